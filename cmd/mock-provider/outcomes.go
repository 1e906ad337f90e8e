package main

import (
	"strconv"
	"strings"
	"sync/atomic"
)

type weightedOutcome struct {
	Kind   string
	Weight float64
}

type outcomePicker struct {
	mode        string
	outcomes    []string
	successRate float64
	failures    []weightedOutcome
	float       func() float64
	idx         uint64
}

func (p *outcomePicker) next() string {
	switch p.mode {
	case "round_robin":
		i := atomic.AddUint64(&p.idx, 1) - 1
		return p.outcomes[int(i%uint64(len(p.outcomes)))]
	case "weighted":
		if p.float() <= p.successRate {
			return "ok"
		}
		return pickWeighted(p.float(), p.failures)
	case "random":
		return p.outcomes[int(p.float()*float64(len(p.outcomes)))%len(p.outcomes)]
	default:
		return p.outcomes[0]
	}
}

// outcome is what a configured token means for one submission.
type outcome struct {
	// final is the neutral terminal state: delivered, undelivered or failed.
	final     string
	errorCode int
	// sendSent emits the intermediate "sent" event before the final one.
	sendSent bool

	httpStatus int
	// rejectMsg is set when the API call itself fails.
	rejectMsg string
	timeout   bool
}

func (o outcome) accepted() bool { return o.rejectMsg == "" && !o.timeout }

// classify parses tokens like "ok", "failed:30007", "rate_limit", "timeout".
func classify(raw string) outcome {
	token := strings.TrimSpace(raw)
	if token == "" {
		token = "ok"
	}
	kind, codeStr, _ := strings.Cut(token, ":")
	code, _ := strconv.Atoi(codeStr)
	withDefault := func(def int) int {
		if code == 0 {
			return def
		}
		return code
	}

	switch kind {
	case "ok", "success":
		return outcome{final: "delivered", sendSent: true, httpStatus: 201}
	case "undelivered":
		return outcome{final: "undelivered", errorCode: withDefault(30003), sendSent: true, httpStatus: 201}
	case "failed":
		return outcome{final: "failed", errorCode: withDefault(30008), httpStatus: 201}
	case "rate_limit", "429":
		return outcome{errorCode: withDefault(20429), httpStatus: 429, rejectMsg: "Too Many Requests"}
	case "bad_request", "400":
		return outcome{errorCode: withDefault(21606), httpStatus: 400, rejectMsg: "The 'From' phone number provided is not a valid message-capable phone number"}
	case "server_error", "500":
		return outcome{errorCode: withDefault(20500), httpStatus: 500, rejectMsg: "Internal Server Error"}
	case "unavailable", "503":
		return outcome{errorCode: withDefault(20503), httpStatus: 503, rejectMsg: "Service Unavailable"}
	case "timeout":
		return outcome{errorCode: withDefault(20429), httpStatus: 504, timeout: true}
	default:
		return outcome{errorCode: withDefault(30008), httpStatus: 500, rejectMsg: "mock error: " + kind}
	}
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"ok"}
	}
	return out
}

func parseWeightedOutcomes(s string) []weightedOutcome {
	var out []weightedOutcome
	for _, p := range strings.Split(s, ",") {
		kind, weight, ok := strings.Cut(strings.TrimSpace(p), ":")
		if !ok {
			continue
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(weight), 64)
		kind = strings.TrimSpace(kind)
		if err != nil || w <= 0 || kind == "" {
			continue
		}
		out = append(out, weightedOutcome{Kind: kind, Weight: w})
	}
	return out
}

func pickWeighted(r float64, items []weightedOutcome) string {
	if len(items) == 0 {
		return "failed"
	}
	var total float64
	for _, it := range items {
		total += it.Weight
	}
	target := r * total
	var cumulative float64
	for _, it := range items {
		cumulative += it.Weight
		if target <= cumulative {
			return it.Kind
		}
	}
	return items[len(items)-1].Kind
}
