package intent

// builtinRules are the default patterns per intent, matched against the
// lowercased, whitespace-collapsed message.
var builtinRules = map[Intent][]string{
	Math: {
		`\b(solve|simplify|factori[sz]e|integrate|differentiate)\b.*\d`,
		`\b(integral|derivative|equation|polynomial|quadratic|logarithm|matrix|determinant)\b`,
		`\b(square root|sqrt|factorial|percent of|\d+% of)\b`,
		`\bcalculate\b`,
	},
	Coding: {
		`\b(code|coding|program|programming|script|snippet|function|struct)\b`,
		`\b(bug|debug|compile|compiler|runtime error|stack ?trace|traceback|exception|segfault|null pointer)\b`,
		`\b(api|sdk|regex|json|yaml|sql|database|endpoint|http request)\b`,
		`\b(golang|javascript|typescript|java|kotlin|rust|ruby|php|swift|bash|haskell|scala)\b`,
		`\bc(\+\+|#)`,
		`\b(git|docker|kubernetes|npm|pip|cargo|gradle|maven|webpack|react|django|flask|numpy|pandas)\b`,
		`\b(refactor|unit test|algorithm|recursion|hashmap|linked list|binary tree)\b`,
		`\bpython\s*(3|2|code|script|function|library|package|module|error|version|syntax|interpreter)\b`,
		"```",
	},
	CurrentEvent: {
		`\b(who won|who is winning|election|breaking|headlines?|this week|this month|yesterday|tonight|tomorrow)\b`,
	},
}

// realtimePatterns mark time-sensitive questions.
var realtimePatterns = []string{
	`\b(today|now|right now|currently|current|latest|recent|recently|newest|upcoming|this year|last year)\b`,
	`\b(news|price|prices|cost of|score|scores|standings|weather|forecast|stock|stocks|exchange rate|release date)\b`,
	`\b(best|top)\s+\d+\b`,
	`\b(best|biggest|largest|richest|fastest|tallest|highest|cheapest|most popular|most expensive)\b`,
}

// liveFactPatterns mark facts that drift over time.
var liveFactPatterns = []string{
	`\b(gdp|population|inflation|unemployment|interest rate|market cap|net worth|minimum wage)\b`,
	`\b(president|prime minister|chancellor|ceo|king|queen|pope|mayor|governor|champion)\s+of\b`,
	`\bwho (is|are) the (current )?(president|prime minister|ceo|leader|owner|champion|coach)\b`,
	`\b(world record|ranking|rankings|leaderboard)\b`,
}

// toolHintPatterns mark turns that benefit from tools even without a
// realtime signal.
var toolHintPatterns = []string{
	`https?://\S+`,
	`\b(search|look up|lookup|google|browse|find online|read this page|open this link)\b`,
	`\bwhat time is it\b`,
	`\bwhat('s| is) the (date|time)\b`,
}
