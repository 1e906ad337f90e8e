package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"commhub/internal/domain"
	"commhub/internal/syncqueue"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printOperations(ops []syncqueue.Operation) error {
	if viper.GetBool("json") {
		return printJSON(ops)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Type", "Status", "Title", "Progress", "Key", "Updated", "Error"})
	for _, op := range ops {
		progress := ""
		if op.Total > 0 {
			progress = fmt.Sprintf("%d/%d", op.Current, op.Total)
		}
		tw.AppendRow(table.Row{op.ID, op.Type, op.Status, op.Title, progress, op.IdempotencyKey, op.UpdatedAt.Local().Format(time.DateTime), op.Error})
	}
	tw.Render()
	return nil
}

func printCommunication(c domain.Communication) error {
	if viper.GetBool("json") {
		return printJSON(c)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", c.ID},
		{"Company", c.CompanyID},
		{"Type", c.Type},
		{"To", c.To},
		{"Status", c.Status},
		{"Provider", c.Provider},
		{"Provider message", c.ProviderMsgID},
		{"Sent", formatTime(c.SentAt)},
		{"Delivered", formatTime(c.DeliveredAt)},
		{"Failed", formatTime(c.FailedAt)},
		{"Failure reason", c.FailureReason},
		{"Opens", c.OpenCount},
		{"Clicks", c.ClickCount},
	})
	tw.Render()
	return nil
}

func printStatusLine(c domain.Communication) {
	if viper.GetBool("json") {
		_ = printJSON(c)
		return
	}
	line := fmt.Sprintf("%s  %s  %s", time.Now().Format(time.TimeOnly), c.ID, c.Status)
	if c.FailureReason != "" {
		line += "  " + c.FailureReason
	}
	fmt.Println(line)
}

func printSyncLine(s syncqueue.Snapshot) {
	if viper.GetBool("json") {
		_ = printJSON(struct {
			Online      bool `json:"online"`
			ActiveCount int  `json:"activeCount"`
			QueuedCount int  `json:"queuedCount"`
		}{s.Online, s.ActiveCount, s.QueuedCount})
		return
	}
	state := "offline"
	if s.Online {
		state = "online"
	}
	fmt.Printf("%s  %s  queued=%d active=%d\n", time.Now().Format(time.TimeOnly), state, s.QueuedCount, s.ActiveCount)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Local().Format(time.DateTime)
}
