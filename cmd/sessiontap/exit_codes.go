package main

import (
	"errors"

	"github.com/odvcencio/sessiontap/pkg/browser"
)

// Exit codes reported by the CLI.
const (
	exitFailure     = 1
	exitUsage       = 2
	exitNoSession   = 3
	exitUnavailable = 4
	exitTimeout     = 5
)

type exitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error {
	return e.err
}

func (e exitError) ExitCode() int {
	if e.code == 0 {
		return exitFailure
	}
	return e.code
}

func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return exitError{code: code, err: err}
}

func exitCodeForError(err error) int {
	if err == nil {
		return 0
	}
	var coder exitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	switch {
	case errors.Is(err, browser.ErrNoSession), errors.Is(err, browser.ErrSessionClosed):
		return exitNoSession
	case errors.Is(err, browser.ErrQueryTimeout):
		return exitTimeout
	case errors.Is(err, browser.ErrUnavailable):
		return exitUnavailable
	}
	return exitFailure
}
