package types

import "errors"

var (
	// ErrMissingResource marks a file or path that is absent; the unit of work is skipped.
	ErrMissingResource = errors.New("missing resource")
	// ErrDataInsufficiency marks a subject without enough usable audio.
	ErrDataInsufficiency = errors.New("data insufficiency")
	// ErrExternalCall marks a failure inside an ASR/MT/TTS/embedding collaborator.
	ErrExternalCall = errors.New("external call failed")
)
