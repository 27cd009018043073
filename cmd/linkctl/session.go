package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/rickgao/sessionlink/internal/connection"
	"github.com/rickgao/sessionlink/internal/envelope"
	"github.com/rickgao/sessionlink/internal/metrics"
)

// sender is the part of the session manager readInput needs.
type sender interface {
	Send(env envelope.Envelope, priority envelope.Priority) (string, error)
}

// readInput sends every non-empty line of r as a text-input message. A
// "!<priority> " prefix (critical, high, normal or low) overrides the default
// high priority. Returns nil at EOF or when ctx ends.
func readInput(ctx context.Context, r io.Reader, s sender, logger *slog.Logger) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}

		text, priority := parseLine(scanner.Text())
		if text == "" {
			continue
		}

		id, err := s.Send(envelope.New(envelope.TypeTextInput, map[string]any{"text": text}), priority)
		switch {
		case errors.Is(err, connection.ErrDestroyed):
			return nil
		case err != nil:
			logger.Warn("send failed", "error", err)
		default:
			logger.Debug("message sent", "request_id", id, "priority", priority.String())
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	logger.Info("stdin closed")
	return nil
}

func parseLine(line string) (string, envelope.Priority) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "!") {
		if prefix, rest, ok := strings.Cut(line[1:], " "); ok {
			if p, err := envelope.ParsePriority(prefix); err == nil {
				return strings.TrimSpace(rest), p
			}
		}
	}
	return line, envelope.PriorityHigh
}

// printMessages writes inbound messages to w, one per line.
func printMessages(ctx context.Context, w io.Writer, messages <-chan envelope.Envelope, verbose bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-messages:
			if !ok {
				return
			}
			if verbose {
				data, err := json.Marshal(struct {
					Type      string         `json:"type"`
					RequestID string         `json:"request_id"`
					Fields    map[string]any `json:"fields,omitempty"`
				}{env.Type, env.RequestID, env.Fields})
				if err == nil {
					fmt.Fprintln(w, string(data))
					continue
				}
			}
			if text := env.StringField("text"); text != "" {
				fmt.Fprintf(w, "[%s] %s\n", env.Type, text)
			} else {
				fmt.Fprintf(w, "[%s]\n", env.Type)
			}
		}
	}
}

// watchStates logs state transitions and feeds the transition counter.
func watchStates(ctx context.Context, states <-chan connection.StateChange, transitions *metrics.Transitions, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sc, ok := <-states:
			if !ok {
				return
			}
			transitions.Observe(sc)
			if sc.To == connection.StateManualRetryRequired {
				logger.Error("reconnect attempts exhausted; restart linkctl or trigger a manual reconnect",
					"error", sc.Err,
				)
			}
		}
	}
}
