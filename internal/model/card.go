package model

import (
	"fmt"
	"strings"
)

// RecognizedCard is the structured identity of a card.
type RecognizedCard struct {
	Year   int    `json:"year"`
	Player string `json:"player,omitempty"`
	Set    string `json:"set,omitempty"`
	Number string `json:"number,omitempty"`
	// Sources records which path supplied each field (text, visual, manual).
	Sources map[string]string `json:"sources,omitempty"`
}

// Title renders a listing-style title, e.g. "2018 Topps Chrome Shohei Ohtani #150".
func (c RecognizedCard) Title() string {
	parts := make([]string, 0, 4)
	if c.Year > 0 {
		parts = append(parts, fmt.Sprintf("%d", c.Year))
	}
	if c.Set != "" {
		parts = append(parts, c.Set)
	}
	if c.Player != "" {
		parts = append(parts, c.Player)
	}
	if c.Number != "" {
		parts = append(parts, "#"+strings.TrimPrefix(c.Number, "#"))
	}
	return strings.Join(parts, " ")
}

// Key is a normalized lookup key used for price caching.
func (c RecognizedCard) Key() string {
	return strings.ToLower(fmt.Sprintf("%d|%s|%s|%s",
		c.Year,
		strings.TrimSpace(c.Set),
		strings.TrimSpace(c.Player),
		strings.TrimPrefix(strings.TrimSpace(c.Number), "#"),
	))
}

// Optional holds a value with explicit presence.
type Optional[T comparable] struct {
	value T
	ok    bool
}

// Some wraps a present value.
func Some[T comparable](v T) Optional[T] {
	return Optional[T]{value: v, ok: true}
}

// None returns an absent value.
func None[T comparable]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.ok
}

// Present reports whether a value is set.
func (o Optional[T]) Present() bool {
	return o.ok
}

// OrElse returns the value or def when absent.
func (o Optional[T]) OrElse(def T) T {
	if o.ok {
		return o.value
	}
	return def
}
