package app

import (
	"fmt"
	"strings"

	"ambush/internal/logger"
	"ambush/internal/profile"
)

// StartupSummary is the banner logged once at startup so an operator can
// confirm what is about to be armed, where it executes, and where state
// lands, before the first transition fires.
type StartupSummary struct {
	Env      string
	HTTPAddr string
	Watch    WatchSummary
	Venue    string
	Wallet   string
	Notifier string
	History  string
	Profiles ProfilesSummary
}

type WatchSummary struct {
	Network         string
	Endpoint        string
	IntervalMs      int
	TimeoutMs       int
	MaxFailures     int
	SlowThresholdMs int
}

type ProfilesSummary struct {
	Dir      string
	Selected string
	Known    []profile.Summary
}

const summaryWidth = 72

func (s *StartupSummary) Log() {
	if s == nil {
		return
	}
	var b strings.Builder
	rule := strings.Repeat("=", summaryWidth)
	b.WriteString(rule + "\n")
	b.WriteString(center("STARTUP SUMMARY", summaryWidth) + "\n")
	b.WriteString(rule + "\n")

	b.WriteString("[APP]\n")
	fmt.Fprintf(&b, "  env: %s\n", valueOrDash(s.Env))
	fmt.Fprintf(&b, "  http: %s\n", valueOrDash(s.HTTPAddr))

	b.WriteString("[WATCH]\n")
	fmt.Fprintf(&b, "  network: %s\n", valueOrDash(s.Watch.Network))
	fmt.Fprintf(&b, "  endpoint: %s\n", valueOrDash(s.Watch.Endpoint))
	fmt.Fprintf(&b, "  interval: %dms (probe timeout %dms)\n", s.Watch.IntervalMs, s.Watch.TimeoutMs)
	fmt.Fprintf(&b, "  offline after: %d failures, slow over %dms\n", s.Watch.MaxFailures, s.Watch.SlowThresholdMs)

	b.WriteString("[EXECUTION]\n")
	fmt.Fprintf(&b, "  venue: %s\n", valueOrDash(s.Venue))
	fmt.Fprintf(&b, "  wallet: %s\n", valueOrDash(s.Wallet))
	fmt.Fprintf(&b, "  notifier: %s\n", valueOrDash(s.Notifier))

	b.WriteString("[STORAGE]\n")
	fmt.Fprintf(&b, "  profiles: %s\n", valueOrDash(s.Profiles.Dir))
	fmt.Fprintf(&b, "  history: %s\n", valueOrDash(s.History))

	b.WriteString("[PROFILES]\n")
	if len(s.Profiles.Known) == 0 {
		b.WriteString("  (none on disk)\n")
	} else {
		for _, p := range s.Profiles.Known {
			marker := " "
			if p.Name == s.Profiles.Selected {
				marker = ">"
			}
			lock := ""
			if p.LockedElsewhere {
				lock = " [locked elsewhere]"
			}
			fmt.Fprintf(&b, "  %s %s: network=%s operations=%d active=%d mode=%s%s\n",
				marker, p.Name, p.Network, p.OperationCount, p.ActiveCount, p.ExecutionMode, lock)
		}
	}
	b.WriteString(rule)

	logger.InfoBlock(b.String())
}

func center(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat(" ", (width-len(s))/2) + s
}

func valueOrDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
