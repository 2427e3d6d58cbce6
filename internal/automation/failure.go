package automation

import (
	"errors"
	"fmt"
)

// Kind classifies executor failures.
type Kind string

const (
	KindConfigMissing        Kind = "ConfigMissing"
	KindConfigInvalid        Kind = "ConfigInvalid"
	KindNavigationTimeout    Kind = "NavigationTimeout"
	KindFieldNotFound        Kind = "FieldNotFound"
	KindActionButtonNotFound Kind = "ActionButtonNotFound"
)

// Failure is a classified, terminal-for-this-attempt executor error.
// Permanent kinds reflect misconfiguration that a retry cannot fix.
type Failure struct {
	Kind  Kind
	Field string // set for KindFieldNotFound
	Err   error
}

func (f *Failure) Error() string {
	switch f.Kind {
	case KindConfigMissing:
		return "time tracker configuration not found"
	case KindConfigInvalid:
		return "time tracker configuration is invalid: stored password cannot be decrypted"
	case KindNavigationTimeout:
		return fmt.Sprintf("navigation failed or timed out: %v", f.Err)
	case KindFieldNotFound:
		return fmt.Sprintf("login form field not found: %s", f.Field)
	case KindActionButtonNotFound:
		return "action button not found; configure an explicit selector in settings"
	default:
		return fmt.Sprintf("automation failure: %v", f.Err)
	}
}

func (f *Failure) Unwrap() error { return f.Err }

// Permanent reports whether retrying the run is pointless: the target site
// or the stored configuration has to change first.
func (f *Failure) Permanent() bool {
	switch f.Kind {
	case KindConfigMissing, KindConfigInvalid, KindFieldNotFound, KindActionButtonNotFound:
		return true
	}
	return false
}

// IsPermanent reports whether err carries a permanent failure.
func IsPermanent(err error) bool {
	var failure *Failure
	return errors.As(err, &failure) && failure.Permanent()
}
