package domain

import "errors"

var (
	// ErrSessionNotFound means the session id is unknown to the store.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists means a session with the requested id already exists.
	ErrSessionExists = errors.New("session already exists")

	// ErrRoomFull means the session already has two distinct participants.
	ErrRoomFull = errors.New("room is full")

	// ErrWrongAnswer means at least one challenge answer did not match.
	ErrWrongAnswer = errors.New("wrong challenge answer")
)
