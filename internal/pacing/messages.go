package pacing

// Steering messages are sent as system conversation items and never shown to
// the candidate.
const (
	WrapUpMessage = "The interview is nearing its time limit. Ask one or two more " +
		"meaningful questions, then begin concluding the interview naturally."

	ConclusionMessage = "The interview is over. Thank the candidate for their time, " +
		"briefly summarize the strengths they showed, explain that they will hear " +
		"about next steps, and close professionally. Do not ask any more questions."
)

// Message returns the steering text for a send action.
func Message(a Action) (string, bool) {
	switch a {
	case ActionSendWrapUp:
		return WrapUpMessage, true
	case ActionSendConclusion:
		return ConclusionMessage, true
	default:
		return "", false
	}
}
