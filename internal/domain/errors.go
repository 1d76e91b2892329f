package domain

import "errors"

var (
	// ErrAppNotFound means no app matches the supplied project ID
	ErrAppNotFound = errors.New("app not found")
	// ErrAppInactive means the app exists but is disabled or has no active config
	ErrAppInactive = errors.New("app is inactive or has no active config")
	// ErrSessionNotFound means the session ID does not exist
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionEnded means the session has been marked ENDED
	ErrSessionEnded = errors.New("session has ended")
	// ErrVoiceSessionNotFound means no voice session matches the supplied ID
	ErrVoiceSessionNotFound = errors.New("voice session not found")
)
