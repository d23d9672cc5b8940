package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"

	"github.com/wwwzy/QueryFit/internal/agent"
	"github.com/wwwzy/QueryFit/internal/database"
	"github.com/wwwzy/QueryFit/internal/graph"
	"github.com/wwwzy/QueryFit/internal/storage"
)

func TestPrintReplySuspended(t *testing.T) {
	var out bytes.Buffer
	printReply(&out, &agent.Reply{
		ThreadID: "t-1",
		Status:   graph.StatusSuspended,
		Interrupt: &agent.ApprovalRequest{
			Value: "proceed?",
			ID:    agent.ApprovalID,
			SQL:   "DELETE FROM users WHERE id = 5",
		},
	}, 10)

	got := out.String()
	assert.Contains(t, got, "Thread: t-1")
	assert.Contains(t, got, "DELETE FROM users WHERE id = 5")
	assert.Contains(t, got, "queryfit resume --thread t-1 --approve")
}

func TestPrintReplyCompleted(t *testing.T) {
	var out bytes.Buffer
	printReply(&out, &agent.Reply{
		ThreadID: "t-2",
		Status:   graph.StatusCompleted,
		State: agent.State{
			SQLQuery: "SELECT id FROM users",
			Executed: true,
			QueryResult: &database.Result{
				Columns: []string{"id"},
				Rows:    []map[string]any{{"id": int64(1)}},
			},
		},
		Message: "There is one user.",
	}, 10)

	got := out.String()
	assert.Contains(t, got, "SQL: SELECT id FROM users")
	assert.Contains(t, got, "There is one user.")
	assert.NotContains(t, got, "resume")
}

func TestWriteThread(t *testing.T) {
	s := &agent.State{
		Database:  database.Ref{ID: "shop"},
		Intent:    "retrieval",
		StepIndex: 1,
		Plan: []agent.Step{
			{Number: 1, Tool: agent.RouteGenerateSchema, Description: "load schema"},
			{Number: 2, Tool: agent.RouteGenerateQuery, Description: "write query"},
		},
		Messages: []*schema.Message{schema.UserMessage("how many users?")},
	}
	var out bytes.Buffer
	writeThread(&out, "t-3", s, graph.StatusRunning, nil)

	got := out.String()
	assert.Contains(t, got, "Status:   running")
	assert.Contains(t, got, "Database: shop")
	assert.Contains(t, got, "> 2. generateQuery  write query")
	assert.NotContains(t, got, "Pending")
}

func TestWriteAudits(t *testing.T) {
	var out bytes.Buffer
	writeAudits(&out, []storage.QueryAudit{{
		ThreadID:     "t-4",
		Database:     "shop",
		Status:       "failed",
		SQL:          "SELECT *\nFROM missing",
		ErrorMessage: "no such table: missing",
		CreatedAt:    time.Now(),
	}})

	got := out.String()
	assert.Contains(t, got, "SELECT * FROM missing -- no such table: missing")
	assert.Contains(t, got, "failed")
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "a b c", oneLine("a\n  b\tc", 10))
	assert.Equal(t, "abcdefg...", oneLine("abcdefghijklmnop", 10))
}
