// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/vorlif/humanize"

	"github.com/wneessen/location-updates/internal/logger"
	"github.com/wneessen/location-updates/internal/notify"
)

// updateForeground presents the foreground notification while updates are requested and no
// client is attached, and hides it otherwise. A presented notification is refreshed.
func (s *Service) updateForeground(ctx context.Context) {
	want := s.state == StateActive && s.attached == 0 && !s.changing
	switch {
	case want:
		if err := s.notifier.Show(ctx, s.notification()); err != nil {
			s.logger.Error("failed to show foreground notification", logger.Err(err))
			return
		}
		if !s.foreground {
			s.logger.Debug("entered foreground")
		}
		s.foreground = true
	case s.foreground:
		if err := s.notifier.Close(ctx); err != nil {
			s.logger.Error("failed to close foreground notification", logger.Err(err))
			return
		}
		s.foreground = false
		s.logger.Debug("left foreground")
	}
}

func (s *Service) notification() notify.Notification {
	return notify.Notification{
		Title: s.t.Getf("Location updated: %s", s.humanizer.FormatTime(s.now(), humanize.DateTimeFormat)),
		Body:  s.locationText(),
		Actions: []notify.Action{
			{Key: notify.ActionOpen, Label: s.t.Get("Open location-updates")},
			{Key: notify.ActionStop, Label: s.t.Get("Remove location updates")},
		},
	}
}

// handleNotificationActions reacts to the buttons of the foreground notification.
func (s *Service) handleNotificationActions(ctx context.Context) {
	actions := s.notifier.Actions()
	if actions == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case action, ok := <-actions:
			if !ok {
				return
			}
			s.handleAction(ctx, action)
		}
	}
}

func (s *Service) handleAction(ctx context.Context, action string) {
	s.logger.Debug("notification action invoked", slog.String("action", action))
	switch action {
	case notify.ActionStop:
		if err := s.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
			s.logger.Error("failed to stop location updates from notification", logger.Err(err))
		}
	case notify.ActionOpen:
		if s.config.Notification.OpenCommand == "" {
			s.logger.Warn("no command configured to open the user interface")
			return
		}
		if err := s.openUI(ctx, s.config.Notification.OpenCommand); err != nil {
			s.logger.Error("failed to open the user interface", logger.Err(err))
		}
	default:
		s.logger.Warn("unknown notification action", slog.String("action", action))
	}
}

// runCommand starts command through the shell without waiting for it to finish.
func runCommand(_ context.Context, command string) error {
	cmd := exec.Command("/bin/sh", "-c", command)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
