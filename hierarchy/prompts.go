package hierarchy

const topicSystemPrompt = `You summarize groups of document passages. Given representative passages from one cluster, reply with JSON of the form {"label": "...", "summary": "..."}. The label is 2-6 words naming the shared topic. The summary is 1-3 sentences describing what the passages cover. Reply with the JSON object only.`

const topicPromptTemplate = `Representative passages:

%s

Return the JSON object.`

const themeSystemPrompt = `You name broad themes that group related topics. Given the labels and summaries of several topics, reply with JSON of the form {"label": "...", "summary": "..."}. The label is 2-6 words naming the overarching theme. The summary is 1-3 sentences. Reply with the JSON object only.`

const themePromptTemplate = `Topics in this theme:

%s

Return the JSON object.`

const rootSystemPrompt = `You write a one-paragraph overview of a document collection from its theme summaries. Reply with JSON of the form {"label": "...", "summary": "..."}. The label is a short title for the whole collection. Reply with the JSON object only.`

const rootPromptTemplate = `Themes:

%s

Return the JSON object.`
