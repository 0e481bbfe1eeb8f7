// Package api exposes the glasses command surface over HTTP and a redis
// command channel, and advertises the HTTP server over mDNS.
package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/chaz8081/glassbridge/internal/events"
	"github.com/chaz8081/glassbridge/internal/glasses"
)

// Glasses is the command surface driven by the server. *glasses.Glasses
// implements it.
type Glasses interface {
	Variant() glasses.Variant
	Capabilities() glasses.Capability
	Aggregate() int
	DeviceInfo() (glasses.DeviceInfo, bool)
	SendTextPage(ctx context.Context, text string) error
	SendDoubleTextPage(ctx context.Context, left, right string) error
	SendBitmap(ctx context.Context, data []byte) error
	Clear(ctx context.Context) error
	SetBrightness(ctx context.Context, percent int, auto bool) error
	QueryBattery(ctx context.Context) (int, error)
	SetMicEnabled(ctx context.Context, enabled bool) error
	SendNotification(ctx context.Context, n glasses.Notification) error
	StartUpdate(ctx context.Context) (string, error)
	CancelUpdate()
	UpdateProgress() (events.UpdateProgress, bool)
}

// Op names a command.
type Op string

const (
	OpText         Op = "text"
	OpDoubleText   Op = "double_text"
	OpBitmap       Op = "bitmap"
	OpClear        Op = "clear"
	OpBrightness   Op = "brightness"
	OpBattery      Op = "battery"
	OpMic          Op = "mic"
	OpNotification Op = "notification"
	OpUpdate       Op = "update"
	OpCancelUpdate Op = "cancel_update"
)

// ErrUnknownOp is returned for commands with an unrecognised op.
var ErrUnknownOp = errors.New("api: unknown command")

// Notification is the wire form of glasses.Notification.
type Notification struct {
	ID          int    `json:"id" cbor:"id"`
	AppID       string `json:"app_id" cbor:"app_id"`
	Title       string `json:"title" cbor:"title"`
	Subtitle    string `json:"subtitle,omitempty" cbor:"subtitle,omitempty"`
	Message     string `json:"message" cbor:"message"`
	DisplayName string `json:"display_name,omitempty" cbor:"display_name,omitempty"`
}

// Command is one request to the glasses, as received on the redis command
// channel or built from an HTTP request.
type Command struct {
	Op           Op            `json:"op" cbor:"op"`
	Text         string        `json:"text,omitempty" cbor:"text,omitempty"`
	Left         string        `json:"left,omitempty" cbor:"left,omitempty"`
	Right        string        `json:"right,omitempty" cbor:"right,omitempty"`
	Image        []byte        `json:"image,omitempty" cbor:"image,omitempty"`
	Percent      int           `json:"percent,omitempty" cbor:"percent,omitempty"`
	Auto         bool          `json:"auto,omitempty" cbor:"auto,omitempty"`
	Enabled      bool          `json:"enabled,omitempty" cbor:"enabled,omitempty"`
	Notification *Notification `json:"notification,omitempty" cbor:"notification,omitempty"`
}

// Result is the outcome of a command that returns a value.
type Result struct {
	Battery   *int   `json:"battery,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Execute runs c against g.
func Execute(ctx context.Context, g Glasses, c Command) (Result, error) {
	switch c.Op {
	case OpText:
		return Result{}, g.SendTextPage(ctx, c.Text)
	case OpDoubleText:
		return Result{}, g.SendDoubleTextPage(ctx, c.Left, c.Right)
	case OpBitmap:
		if len(c.Image) == 0 {
			return Result{}, fmt.Errorf("api: bitmap command without image")
		}
		return Result{}, g.SendBitmap(ctx, c.Image)
	case OpClear:
		return Result{}, g.Clear(ctx)
	case OpBrightness:
		return Result{}, g.SetBrightness(ctx, c.Percent, c.Auto)
	case OpBattery:
		level, err := g.QueryBattery(ctx)
		if err != nil {
			return Result{}, err
		}
		return Result{Battery: &level}, nil
	case OpMic:
		return Result{}, g.SetMicEnabled(ctx, c.Enabled)
	case OpNotification:
		if c.Notification == nil {
			return Result{}, fmt.Errorf("api: notification command without notification")
		}
		n := c.Notification
		return Result{}, g.SendNotification(ctx, glasses.Notification{
			ID:          n.ID,
			AppID:       n.AppID,
			Title:       n.Title,
			Subtitle:    n.Subtitle,
			Message:     n.Message,
			DisplayName: n.DisplayName,
		})
	case OpUpdate:
		id, err := g.StartUpdate(ctx)
		return Result{SessionID: id}, err
	case OpCancelUpdate:
		g.CancelUpdate()
		return Result{}, nil
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownOp, c.Op)
	}
}
