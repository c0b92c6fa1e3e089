// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// repl.go - Interactive chat REPL.
//
// Interactive Commands (during chat):
//   /help, /h           Show available commands
//   /clear, /c          Clear conversation history
//   /history            Show conversation history
//   /status, /s         Show session status
//   /regen, /r          Regenerate the last assistant reply
//   /edit ID TEXT       Rewrite a previous user message and resend
//   /save               Write the conversation mirror now
//   /sync               Run a sync pass now
//   /quit, /q           Exit chat
//   Ctrl+C              Cancel current generation
//   Ctrl+D              Exit chat
package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterh/liner"

	"github.com/morganforge/kestrel/internal/chat"
	"github.com/morganforge/kestrel/internal/config"
	"github.com/morganforge/kestrel/internal/model"
)

// =============================================================================
// SESSION
// =============================================================================

// Session drives one interactive chat session over an engine.
type Session struct {
	cfg    *config.Config
	engine *chat.Engine
	input  *Input

	saver chat.Saver

	startTime time.Time
	turns     int

	// turnDone is signalled when the in-flight turn reaches a terminal
	// state, successful or not.
	turnDone chan struct{}
}

// NewSession creates a REPL session and wires the engine's event stream to
// the terminal.
func NewSession(cfg *config.Config, engine *chat.Engine, saver chat.Saver) *Session {
	s := &Session{
		cfg:       cfg,
		engine:    engine,
		input:     NewInput(),
		saver:     saver,
		startTime: time.Now(),
		turnDone:  make(chan struct{}, 1),
	}

	engine.OnPartial(func(text string) {
		fmt.Print(text)
	})
	engine.OnComplete(func(msg *model.Message) {
		fmt.Printf("\n\n[%.1fs]\n", msg.ResponseTime.Seconds())
		s.turns++
		s.signalDone()
	})
	engine.OnError(func(kind chat.ErrorKind, err error) {
		switch kind {
		case chat.ErrorKindPersistence, chat.ErrorKindSync:
			// Warnings: the conversation is unaffected.
			fmt.Fprintf(os.Stderr, "\n[warning] %v\n", err)
		case chat.ErrorKindCanceled:
			fmt.Fprintln(os.Stderr, "\n[cancelled]")
			s.signalDone()
		default:
			fmt.Fprintf(os.Stderr, "\n[error] %v\n", err)
			s.signalDone()
		}
	})

	return s
}

func (s *Session) signalDone() {
	select {
	case s.turnDone <- struct{}{}:
	default:
	}
}

// Run is the main REPL loop. Returns when the user exits.
func (s *Session) Run() error {
	defer s.input.Close()

	if !isQuiet() {
		s.printWelcome()
	}

	// First Ctrl+C cancels the current generation; at the prompt liner
	// turns it into ErrPromptAborted instead.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		for range sigChan {
			s.engine.CancelActive()
		}
	}()

	for {
		input, err := s.input.ReadLine("kestrel> ")
		if err != nil {
			// Ctrl+C at the prompt, EOF (Ctrl+D), or a terminal error all
			// end the session.
			if err != liner.ErrPromptAborted {
				fmt.Println()
			}
			s.printExitSummary()
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			keepGoing, err := s.handleCommand(input)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[error] %v\n", err)
			}
			if !keepGoing {
				s.printExitSummary()
				return nil
			}
			continue
		}

		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			s.printExitSummary()
			return nil
		}

		s.sendAndWait(func() error { return s.engine.Send(input) })
	}
}

// sendAndWait starts a request and blocks until its terminal event.
func (s *Session) sendAndWait(start func() error) {
	if err := start(); err != nil {
		fmt.Fprintf(os.Stderr, "[error] %v\n", err)
		return
	}
	fmt.Println()
	<-s.turnDone
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// handleCommand dispatches a slash command. Returns false to exit.
func (s *Session) handleCommand(input string) (bool, error) {
	fields := strings.Fields(input)
	cmd := strings.ToLower(fields[0])

	switch cmd {
	case "/quit", "/q", "/exit":
		return false, nil

	case "/help", "/h":
		s.printHelp()

	case "/clear", "/c":
		s.engine.Clear()
		fmt.Println("Conversation cleared.")

	case "/history":
		s.printHistory()

	case "/status", "/s":
		s.printStatus()

	case "/regen", "/r":
		s.sendAndWait(s.engine.RegenerateLast)

	case "/edit":
		if len(fields) < 3 {
			return true, fmt.Errorf("usage: /edit MESSAGE_ID new text")
		}
		id := s.resolveID(fields[1])
		if id == "" {
			return true, fmt.Errorf("no message matches ID %s", fields[1])
		}
		text := strings.TrimSpace(strings.Join(fields[2:], " "))
		s.sendAndWait(func() error { return s.engine.EditMessage(id, text) })

	case "/save":
		if s.saver == nil {
			return true, fmt.Errorf("persistence is disabled")
		}
		if err := s.saver.SaveNow(); err != nil {
			return true, err
		}
		fmt.Println("Conversation saved.")

	case "/sync":
		if s.engine.SyncNow(s.cfg.Sync.Upload, s.cfg.Sync.Download) {
			fmt.Println("Sync pass finished.")
		} else {
			fmt.Println("Sync unavailable or already running.")
		}

	default:
		return true, fmt.Errorf("unknown command %s (try /help)", cmd)
	}

	return true, nil
}

// =============================================================================
// OUTPUT
// =============================================================================

func (s *Session) printWelcome() {
	fmt.Printf("kestrel chat - %s\n", s.cfg.API.Model)
	fmt.Println("Type /help for commands, /quit to exit.")
	fmt.Println()
}

func (s *Session) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /help, /h        Show this help")
	fmt.Println("  /clear, /c       Clear conversation history")
	fmt.Println("  /history         Show conversation history")
	fmt.Println("  /status, /s      Show session status")
	fmt.Println("  /regen, /r       Regenerate the last assistant reply")
	fmt.Println("  /edit ID TEXT    Rewrite a previous user message and resend")
	fmt.Println("  /save            Write the conversation mirror now")
	fmt.Println("  /sync            Run a sync pass now")
	fmt.Println("  /quit, /q        Exit")
	fmt.Println()
	fmt.Println("Ctrl+C cancels the current generation; Ctrl+D exits.")
}

func (s *Session) printHistory() {
	snap := s.engine.Store().Snapshot()
	if len(snap.Messages) == 0 {
		fmt.Println("No messages yet.")
		return
	}

	for _, msg := range snap.Messages {
		marker := ""
		if msg.IsStreaming {
			marker = " (streaming)"
		}
		fmt.Printf("[%s] %s%s: %s\n",
			shortID(msg.ID), msg.Role.DisplayName(), marker, msg.Preview(80))
	}
}

func (s *Session) printStatus() {
	snap := s.engine.Store().Snapshot()
	fmt.Printf("Model:        %s\n", s.cfg.API.Model)
	fmt.Printf("Endpoint:     %s\n", s.cfg.API.BaseURL)
	fmt.Printf("Messages:     %d\n", len(snap.Messages))
	fmt.Printf("Turns:        %d\n", s.turns)
	fmt.Printf("Session time: %s\n", time.Since(s.startTime).Round(time.Second))
	if s.cfg.Sync.Enabled {
		fmt.Printf("Sync:         enabled (upload=%v download=%v)\n",
			s.cfg.Sync.Upload, s.cfg.Sync.Download)
	} else {
		fmt.Println("Sync:         disabled")
	}
}

func (s *Session) printExitSummary() {
	if isQuiet() {
		return
	}
	fmt.Printf("\n%d turn(s) in %s. Goodbye.\n",
		s.turns, time.Since(s.startTime).Round(time.Second))
}

// resolveID expands a (possibly shortened) message ID to the full one.
func (s *Session) resolveID(prefix string) string {
	snap := s.engine.Store().Snapshot()
	for _, msg := range snap.Messages {
		if strings.HasPrefix(msg.ID, prefix) {
			return msg.ID
		}
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func isQuiet() bool {
	return os.Getenv("KESTREL_QUIET") != ""
}
