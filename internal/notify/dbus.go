// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/wneessen/location-updates/internal/logger"
)

const (
	dbusDest      = "org.freedesktop.Notifications"
	dbusPath      = dbus.ObjectPath("/org/freedesktop/Notifications")
	dbusInterface = "org.freedesktop.Notifications"

	methodNotify        = dbusInterface + ".Notify"
	methodClose         = dbusInterface + ".CloseNotification"
	memberActionInvoked = "ActionInvoked"
	memberClosed        = "NotificationClosed"
	signalActionInvoked = dbusInterface + "." + memberActionInvoked
	signalClosed        = dbusInterface + "." + memberClosed
	urgencyLow          = byte(0)
	expireNever         = int32(0)
	signalBufferSize    = 8
	actionBufferSize    = 4
	defaultIcon         = "find-location"
	defaultDesktopEntry = "location-updates"
)

type busObject interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...any) *dbus.Call
}

type closer interface {
	Close() error
}

// DBusNotifier implements Notifier with the freedesktop notification service on the session bus.
type DBusNotifier struct {
	appName string
	icon    string
	obj     busObject
	logger  *logger.Logger
	actions chan string

	// The session bus connection is owned by the notifier and released by Shutdown.
	conn         closer
	quit         chan struct{}
	signalDone   chan struct{}
	shutdownOnce sync.Once

	mu sync.Mutex
	id uint32
}

// NewDBusNotifier connects to the session bus and listens for actions invoked on the
// notification until Shutdown is called.
func NewDBusNotifier(appName string, log *logger.Logger) (*DBusNotifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	for _, member := range []string{memberActionInvoked, memberClosed} {
		if err = conn.AddMatchSignal(dbus.WithMatchInterface(dbusInterface), dbus.WithMatchMember(member),
			dbus.WithMatchObjectPath(dbusPath)); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to subscribe to %s signal: %w", member, err)
		}
	}

	notifier := newDBusNotifier(conn.Object(dbusDest, dbusPath), appName, log)
	notifier.conn = conn
	sigCh := make(chan *dbus.Signal, signalBufferSize)
	conn.Signal(sigCh)
	go func() {
		defer close(notifier.signalDone)
		defer conn.RemoveSignal(sigCh)
		for {
			select {
			case <-notifier.quit:
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				notifier.handleSignal(sig)
			}
		}
	}()
	return notifier, nil
}

func newDBusNotifier(obj busObject, appName string, log *logger.Logger) *DBusNotifier {
	return &DBusNotifier{
		appName:    appName,
		icon:       defaultIcon,
		obj:        obj,
		logger:     log,
		actions:    make(chan string, actionBufferSize),
		quit:       make(chan struct{}),
		signalDone: make(chan struct{}),
	}
}

func (n *DBusNotifier) Show(ctx context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var id uint32
	if err := n.obj.CallWithContext(ctx, methodNotify, 0, n.notifyArgs(note)...).Store(&id); err != nil {
		return fmt.Errorf("failed to show notification: %w", err)
	}
	n.id = id
	return nil
}

func (n *DBusNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.id == 0 {
		return nil
	}
	if err := n.obj.CallWithContext(ctx, methodClose, 0, n.id).Err; err != nil {
		return fmt.Errorf("failed to close notification: %w", err)
	}
	n.id = 0
	return nil
}

// Shutdown withdraws a visible notification, stops listening for its actions and closes the
// session bus connection. Calls after the first one do nothing.
func (n *DBusNotifier) Shutdown(ctx context.Context) error {
	var err error
	n.shutdownOnce.Do(func() {
		err = n.Close(ctx)
		close(n.quit)
		if n.conn == nil {
			return
		}
		<-n.signalDone
		if cerr := n.conn.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close session bus connection: %w", cerr))
		}
	})
	return err
}

func (n *DBusNotifier) Actions() <-chan string {
	return n.actions
}

// notifyArgs builds the arguments of the Notify call. A visible notification is replaced in place.
func (n *DBusNotifier) notifyArgs(note Notification) []any {
	actions := make([]string, 0, len(note.Actions)*2)
	for _, action := range note.Actions {
		actions = append(actions, action.Key, action.Label)
	}
	hints := map[string]dbus.Variant{
		"urgency":       dbus.MakeVariant(urgencyLow),
		"resident":      dbus.MakeVariant(true),
		"desktop-entry": dbus.MakeVariant(defaultDesktopEntry),
	}
	return []any{n.appName, n.id, n.icon, note.Title, note.Body, actions, hints, expireNever}
}

func (n *DBusNotifier) handleSignal(sig *dbus.Signal) {
	if sig == nil || len(sig.Body) < 2 {
		return
	}
	id, ok := sig.Body[0].(uint32)
	if !ok {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if id == 0 || id != n.id {
		return
	}

	switch sig.Name {
	case signalActionInvoked:
		action, ok := sig.Body[1].(string)
		if !ok {
			return
		}
		select {
		case n.actions <- action:
		default:
			n.logger.Warn("dropping notification action", slog.String("action", action))
		}
	case signalClosed:
		n.id = 0
	}
}
