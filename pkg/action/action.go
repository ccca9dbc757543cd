// Package action defines the kinds of social-network actions the platform
// automates and their classification.
package action

// Action is the kind of effect performed against a target link.
type Action string

const (
	Subscribe   Action = "subscribe"
	Join        Action = "join"
	Comment     Action = "comment"
	View        Action = "view"
	Unsubscribe Action = "unsubscribe"
	Leave       Action = "leave"
)

// Heavy reports whether the action counts against the per-day heavy quota
// of an account. Write actions are heavy, read-only ones are not.
func (a Action) Heavy() bool {
	switch a {
	case Subscribe, Join, Comment, Unsubscribe, Leave:
		return true
	default:
		return false
	}
}

// Reversal returns the action that undoes this one, or "" when the effect
// has no undo.
func (a Action) Reversal() Action {
	switch a {
	case Subscribe:
		return Unsubscribe
	case Join:
		return Leave
	default:
		return ""
	}
}

// IsReversal reports whether the action undoes a previous effect rather
// than producing one of its own.
func (a Action) IsReversal() bool {
	switch a {
	case Unsubscribe, Leave:
		return true
	default:
		return false
	}
}

func (a Action) String() string { return string(a) }
