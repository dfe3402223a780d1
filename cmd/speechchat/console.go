package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/harunnryd/speechchat/pkg/dictation"
	"github.com/harunnryd/speechchat/pkg/speechchat"
	"github.com/harunnryd/speechchat/pkg/view"
)

// gestures is the subset of the engine the console drives.
type gestures interface {
	PointerDown() error
	MicrophoneClick() error
	SwitchView(v view.View) error
	SubmitText(text string) error
	Snapshot() speechchat.Snapshot
}

var (
	listeningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	idleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	glowStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	detailStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
)

const consoleHelp = "commands: tap | mic | text | speech | send <text> | state | quit"

// runConsole reads one gesture per line until in is exhausted, ctx ends or
// the user quits.
func runConsole(ctx context.Context, g gestures, in io.Reader, out io.Writer, quit func()) {
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	if interactive {
		fmt.Fprintln(out, detailStyle.Render(consoleHelp))
	}
	scanner := bufio.NewScanner(in)
	for {
		if ctx.Err() != nil {
			return
		}
		if interactive {
			fmt.Fprint(out, "> ")
		}
		if !scanner.Scan() {
			return
		}
		done, msg := handleCommand(g, scanner.Text())
		if msg != "" {
			fmt.Fprintln(out, msg)
		}
		if done {
			if quit != nil {
				quit()
			}
			return
		}
	}
}

func handleCommand(g gestures, line string) (quit bool, msg string) {
	line = strings.TrimSpace(line)
	cmd, arg, _ := strings.Cut(line, " ")
	var err error
	switch strings.ToLower(cmd) {
	case "":
		return false, ""
	case "tap":
		err = g.PointerDown()
	case "mic":
		err = g.MicrophoneClick()
	case "text":
		err = g.SwitchView(view.Text)
	case "speech":
		err = g.SwitchView(view.Speech)
	case "send":
		if strings.TrimSpace(arg) == "" {
			return false, errorStyle.Render("send needs text")
		}
		err = g.SubmitText(arg)
	case "state":
		return false, renderSnapshot(g.Snapshot())
	case "quit", "exit":
		return true, ""
	case "help":
		return false, detailStyle.Render(consoleHelp)
	default:
		return false, errorStyle.Render(fmt.Sprintf("unknown command %q", cmd))
	}
	if err != nil {
		return false, errorStyle.Render(err.Error())
	}
	return false, renderSnapshot(g.Snapshot())
}

func renderSnapshot(s speechchat.Snapshot) string {
	var status string
	switch {
	case s.UIDisabled:
		status = idleStyle.Render("⊘ DISABLED")
	case s.MicrophoneActive:
		status = listeningStyle.Render("● " + s.Phase.String())
	case s.Phase != dictation.PhaseIdle:
		// Listening, but the bot is talking over it.
		status = idleStyle.Render("◐ " + s.Phase.String())
	default:
		status = idleStyle.Render("○ " + s.Phase.String())
	}
	lines := []string{status}
	if s.BotSpeaking {
		lines = append(lines, glowStyle.Render(fmt.Sprintf("♪ bot speaking (%d)", s.SpeakingCount)))
	}
	detail := fmt.Sprintf("view=%s should_speak=%t audio_suspended=%t", s.View, s.ShouldSpeak, s.AudioSuspended)
	lines = append(lines, detailStyle.Render(detail))
	if s.InterimsVisible && len(s.Interims) > 0 {
		lines = append(lines, detailStyle.Render("… "+strings.Join(s.Interims, " ")))
	}
	if s.SendBox != "" {
		lines = append(lines, detailStyle.Render("send box: "+s.SendBox))
	}
	if s.LastError != "" {
		lines = append(lines, errorStyle.Render("last error: "+s.LastError))
	}
	return strings.Join(lines, "\n")
}
