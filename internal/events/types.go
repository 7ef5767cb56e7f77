package events

// Topic enumerates high-level event topics inside the trading core.
type Topic string

const (
	TopicAdviceCreated   Topic = "advice.created"
	TopicAdviceExecuted  Topic = "advice.executed"
	TopicAdviceDismissed Topic = "advice.dismissed"
	TopicEngineState     Topic = "engine.state"
	TopicRiskAlert       Topic = "risk.alert"
	TopicRestrikeExit    Topic = "restrike.exit"
	TopicStopLoss        Topic = "risk.stoploss"
)
