// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package notify presents the persistent foreground notification of the daemon.
package notify

import (
	"context"
)

const (
	ActionOpen = "open"
	ActionStop = "stop"
)

// Action is a button on the notification. Key is reported on the Actions channel when the
// button is pressed.
type Action struct {
	Key   string
	Label string
}

// Notification is the content of the foreground notification.
type Notification struct {
	Title   string
	Body    string
	Actions []Action
}

// Notifier shows a single notification. Show replaces the content of a notification that is
// already visible.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context) error
	Actions() <-chan string
	// Shutdown withdraws a visible notification and releases the notification service.
	Shutdown(ctx context.Context) error
}

// Discard is a Notifier that shows nothing.
type Discard struct{}

func (Discard) Show(context.Context, Notification) error { return nil }

func (Discard) Close(context.Context) error { return nil }

func (Discard) Actions() <-chan string { return nil }

func (Discard) Shutdown(context.Context) error { return nil }
