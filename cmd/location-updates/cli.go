// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/mattn/go-runewidth"
	"github.com/vorlif/humanize"
	"github.com/vorlif/spreak"

	"github.com/wneessen/location-updates/internal/broadcast"
	"github.com/wneessen/location-updates/internal/locator"
	"github.com/wneessen/location-updates/internal/service"
)

// controlClient is the part of the control API the command line uses.
type controlClient interface {
	Start(ctx context.Context) (service.Status, error)
	Stop(ctx context.Context) (service.Status, error)
	Status(ctx context.Context) (service.Status, error)
	Watch(ctx context.Context, transient bool, fn func(broadcast.Event)) error
}

type commandLine struct {
	client    controlClient
	t         *spreak.Localizer
	humanizer *humanize.Humanizer
	out       io.Writer
}

func (c *commandLine) start(ctx context.Context) error {
	status, err := c.client.Start(ctx)
	if err != nil {
		return c.permissionError(err)
	}
	c.printStatus(status)
	return nil
}

func (c *commandLine) stop(ctx context.Context) error {
	status, err := c.client.Stop(ctx)
	if err != nil {
		return c.permissionError(err)
	}
	c.printStatus(status)
	return nil
}

func (c *commandLine) status(ctx context.Context) error {
	status, err := c.client.Status(ctx)
	if err != nil {
		return err
	}
	c.printStatus(status)
	return nil
}

// watch prints the state of the request and remove actions whenever the subscription changes,
// and every location update.
func (c *commandLine) watch(ctx context.Context, transient bool) error {
	return c.client.Watch(ctx, transient, func(event broadcast.Event) {
		switch event.Type {
		case broadcast.EventPreference:
			c.printRows([][2]string{
				{c.t.Get("Request location updates"), c.enabled(!event.Requesting)},
				{c.t.Get("Remove location updates"), c.enabled(event.Requesting)},
			})
		case broadcast.EventLocation:
			_, _ = fmt.Fprintf(c.out, "%s  %s\n", c.humanizer.FormatTime(event.At, humanize.TimeFormat),
				c.t.Getf("Location updated: %s", event.Text))
		}
	})
}

func (c *commandLine) printStatus(status service.Status) {
	requesting := c.t.Get("removed")
	if status.Requesting {
		requesting = c.t.Get("requested")
	}
	updated := c.t.Get("never")
	if !status.UpdatedAt.IsZero() {
		updated = c.humanizer.FormatTime(status.UpdatedAt, humanize.DateTimeFormat)
	}
	c.printRows([][2]string{
		{c.t.Get("Location updates"), requesting},
		{c.t.Get("Location"), status.Text},
		{c.t.Get("Updated"), updated},
		{c.t.Get("Attached clients"), fmt.Sprint(status.Attached)},
	})
}

// printRows prints label/value pairs with the values aligned in one column. Labels are measured
// in terminal cells, so translated labels with wide characters line up as well.
func (c *commandLine) printRows(rows [][2]string) {
	width := 0
	for _, row := range rows {
		width = max(width, runewidth.StringWidth(row[0]))
	}
	for _, row := range rows {
		_, _ = fmt.Fprintf(c.out, "%s  %s\n", runewidth.FillRight(row[0], width), row[1])
	}
}

func (c *commandLine) enabled(on bool) string {
	if on {
		return c.t.Get("enabled")
	}
	return c.t.Get("disabled")
}

func (c *commandLine) permissionError(err error) error {
	if errors.Is(err, locator.ErrPermissionDenied) {
		return fmt.Errorf("%s: %w", c.t.Get("location permission denied"), err)
	}
	return err
}
