package notify

// Decision is the escalation policy's verdict for one event: which channels
// to attempt and whether delivery must be repeated if nothing lands within
// the SLA window.
type Decision struct {
	Channels []Channel
	Repeat   bool
}

// policyRule configures the decision per urgency level.
type policyRule struct {
	widenToAll bool
	repeat     bool
}

// EscalationPolicy evaluates events against a static rule table. Evaluate is
// a pure function; the dispatcher owns scheduling any repeat.
type EscalationPolicy struct {
	rules map[Urgency]policyRule
}

func NewEscalationPolicy() *EscalationPolicy {
	return &EscalationPolicy{
		rules: map[Urgency]policyRule{
			UrgencyNormal:   {widenToAll: false, repeat: false},
			UrgencyCritical: {widenToAll: true, repeat: true},
		},
	}
}

// Evaluate decides channels and repetition for an event given the
// recipient's preferences. Critical events widen to every channel the
// recipient is reachable on and set Repeat. A re-escalation event never
// repeats again; the cycle counter bounds amplification at one.
func (p *EscalationPolicy) Evaluate(event DomainEvent, prefs *Preferences) Decision {
	rule := p.rules[event.Urgency]

	var channels []Channel
	if rule.widenToAll {
		channels = prefs.AllEnabledChannels()
	} else {
		channels = prefs.EnabledChannels(event.Kind)
	}

	repeat := rule.repeat && event.EscalationCycle == 0
	return Decision{Channels: channels, Repeat: repeat}
}
