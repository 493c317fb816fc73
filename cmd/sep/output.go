package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"sepflow/internal/domain"
	"sepflow/internal/engine/lifecycle"
)

var (
	statusOK      = color.New(color.FgGreen).SprintFunc()
	statusPending = color.New(color.FgYellow).SprintFunc()
	statusActive  = color.New(color.FgCyan).SprintFunc()
	statusBad     = color.New(color.FgRed).SprintFunc()
	statusDone    = color.New(color.Faint).SprintFunc()
)

// colorStatus colors a status for terminals; color disables itself when stdout is not a TTY.
func colorStatus(status string) string {
	switch status {
	case domain.AppApproved, domain.AppOpen, domain.TaskCommented:
		return statusOK(status)
	case domain.AppReviewing, domain.TaskUnassigned, domain.ReqSubmitted:
		return statusPending(status)
	case domain.AppInProgress, domain.TaskAssigned:
		return statusActive(status)
	case domain.AppRejected:
		return statusBad(status)
	case domain.AppClosed:
		return statusDone(status)
	}
	return status
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printApplication(a *domain.Application) error {
	if jsonOutput() {
		return printJSON(a)
	}
	tw := newTable()
	tw.AppendRow(table.Row{"ID", a.ID})
	tw.AppendRow(table.Row{"Name", a.Name})
	if a.Description != "" {
		tw.AppendRow(table.Row{"Description", a.Description})
	}
	tw.AppendRow(table.Row{"Status", colorStatus(a.Status)})
	tw.AppendRow(table.Row{"Needs review", a.NeedsReview})
	tw.AppendRow(table.Row{"Created by", a.CreatedBy})
	tw.AppendRow(table.Row{"Version", a.Version})
	if a.RejectionReason != "" {
		tw.AppendRow(table.Row{"Rejection reason", a.RejectionReason})
	}
	for _, c := range a.FinancialComments {
		tw.AppendRow(table.Row{"Finance", fmt.Sprintf("%s (%s): %s", c.Author, c.At, c.Text)})
	}
	tw.Render()
	return nil
}

func printApplications(items []*domain.Application) error {
	if jsonOutput() {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Name", "Status", "Review", "Created by", "Version"})
	for _, a := range items {
		review := ""
		if a.NeedsReview {
			review = "needed"
		}
		tw.AppendRow(table.Row{a.ID, a.Name, colorStatus(a.Status), review, a.CreatedBy, a.Version})
	}
	tw.Render()
	return nil
}

func printTasks(items []*domain.Task) error {
	if jsonOutput() {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Application", "Name", "Status", "Assignee", "Comments", "Version"})
	for _, t := range items {
		assignee := ""
		if t.AssigneeID != nil {
			assignee = *t.AssigneeID
		}
		tw.AppendRow(table.Row{t.ID, t.ApplicationID, t.Name, colorStatus(t.Status), assignee, len(t.Comments), t.Version})
	}
	tw.Render()
	return nil
}

func printRequests(items []*domain.Request) error {
	if jsonOutput() {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Kind", "Application", "Name", "Status", "Decided by", "Version"})
	for _, r := range items {
		tw.AppendRow(table.Row{r.ID, r.Kind, r.ApplicationID, r.Name, colorStatus(r.Status), r.DecidedBy, r.Version})
	}
	tw.Render()
	return nil
}

func printEmployees(items []*domain.Employee) error {
	if jsonOutput() {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Name", "Department"})
	for _, e := range items {
		tw.AppendRow(table.Row{e.ID, e.Name, e.Department})
	}
	tw.Render()
	return nil
}

func printEvents(items []domain.Event) error {
	if jsonOutput() {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
	for _, e := range items {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + "/" + e.EntityID, e.ActorID, e.Payload})
	}
	tw.Render()
	return nil
}

func printTransitions(rows []lifecycle.Transition) error {
	if jsonOutput() {
		return printJSON(rows)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Entity", "From", "Action", "To", "Roles", "Kinds", "Effects"})
	for _, r := range rows {
		from := strings.Join(r.From, ",")
		if r.IsCreate() {
			from = "(new)"
		}
		roles := make([]string, 0, len(r.Roles))
		for _, role := range r.Roles {
			roles = append(roles, string(role))
		}
		effects := make([]string, 0, len(r.Effects))
		for _, eff := range r.Effects {
			effects = append(effects, string(eff))
		}
		tw.AppendRow(table.Row{r.Entity, from, r.Action, r.To, strings.Join(roles, ","), strings.Join(r.Kinds, ","), strings.Join(effects, ",")})
	}
	tw.Render()
	return nil
}

func joinActions(actions []domain.Action) string {
	if len(actions) == 0 {
		return "none"
	}
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, string(a))
	}
	return strings.Join(out, ", ")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
