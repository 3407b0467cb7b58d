package pipeline

const metadataPrompt = "You read a student essay submission and separate the header from the essay.\n" +
	"Return a JSON object with the keys student_name, student_number, essay_title, essay and extraneous.\n" +
	"essay holds the essay body only, copied exactly, with paragraphs separated by a blank line.\n" +
	"extraneous holds any other header text such as course names or dates.\n" +
	"Use an empty string for anything that is not present."

const gedPrompt = "You are a careful English teacher.\n" +
	"Correct the grammar, spelling and punctuation of the sentence you are given.\n" +
	"Keep the writer's words and meaning wherever possible.\n" +
	"Return only the corrected sentence. If it has no errors, return it unchanged."

const topicPrompt = "A topic sentence is usually the first sentence of a paragraph. " +
	"It states the controlling idea and tells the reader what the paragraph will be about. " +
	"A good topic sentence is clear, specific and matches the sentences that follow.\n" +
	"Read the learner's opening paragraph and return a JSON object with the keys " +
	"learner_topic_sentence (the learner's topic sentence copied exactly), " +
	"good_topic_sentence (an improved topic sentence) and " +
	"feedback (two or three sentences of advice addressed to the learner)."

const conclusionPrompt = "A conclusion sentence is the last sentence of a paragraph.\n" +
	"Basics: it should summarize the main idea of the paragraph.\n" +
	"Extras: it can restate key points, evaluate, predict the future or make a call to action.\n" +
	"Comment on how well the learner achieves the basics and the extras.\n" +
	"Write concisely. Output only plain text."

const hedgingPrompt = "Hedging language softens or strengthens claims, with words like probably, " +
	"perhaps, it could be said that, definitely, certainly and must.\n" +
	"Comment on the quality of the learner's hedging in this paragraph. Be concise.\n" +
	"If there is none, encourage them to use some and give one example sentence."

const causeEffectPrompt = "Cause and effect language links events to their results, with words like " +
	"because, as a result, therefore, leads to and due to.\n" +
	"Comment on how clearly the learner connects causes and effects in this paragraph. Be concise.\n" +
	"If there is none, suggest one sentence that would add it."

const compareContrastPrompt = "Compare and contrast language shows similarities and differences, with words like " +
	"similarly, likewise, however, whereas and on the other hand.\n" +
	"Comment on the learner's use of it in this paragraph. Be concise.\n" +
	"If there is none, suggest one sentence that would add it."

const contentPrompt = "You are a reader who enjoys student writing.\n" +
	"Decide whether this essay is engaging for the reader.\n" +
	"Explain your decision by looking at the examples, the clarity of the main ideas and the flow.\n" +
	"Suggest improvements where it is weak. Keep your analysis concise and output only plain text."

const summarizePrompt = "You are a writing tutor.\n" +
	"Combine the feedback sections below into one short note to the student.\n" +
	"Start with what they did well, then give the three most important improvements.\n" +
	"Address the student directly. Output only plain text."
