package alerts

import (
	"context"
	"time"
)

type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

type Field struct {
	Name  string
	Value string
}

type Event struct {
	Level   Level
	Title   string
	Message string
	Fields  []Field
	Time    time.Time
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
