package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"livenote/internal/domain"
	"livenote/internal/note"
)

var (
	errUnknownCommand = errors.New("unknown command")
	errGateClosed     = errors.New("risk gate closed")
)

// gatedCommands change the note and wait until every blocking alert is acknowledged.
var gatedCommands = map[string]bool{
	"edit":      true,
	"auto":      true,
	"assign":    true,
	"template":  true,
	"normalize": true,
	"condense":  true,
}

// sessionDriver is the part of the session controller the interactive loop drives.
type sessionDriver interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	End(ctx context.Context) (domain.SessionExport, error)
	Seek(timestampMs int64) (domain.SeekResult, error)
	Status() domain.Status
	Acknowledge(alertID string) (domain.RiskAlert, error)
	EditSection(key domain.SectionKey, content string) (domain.NoteSection, error)
	EnableAutomatic(key domain.SectionKey) (domain.NoteSection, error)
	AssignSegment(segmentID string, key domain.SectionKey) (domain.NoteSection, error)
	SwitchTemplate(kind domain.TemplateKind) ([]domain.NoteSection, error)
	NormalizeSection(ctx context.Context, key domain.SectionKey) (domain.NoteSection, error)
	CondenseSection(ctx context.Context, key domain.SectionKey) (domain.NoteSection, error)
	Sections() ([]domain.NoteSection, error)
	Transcript(fromMs, toMs int64) ([]domain.TranscriptSegment, error)
	Alerts() ([]domain.RiskAlert, error)
	PendingAlerts() ([]domain.RiskAlert, error)
	Held() ([]note.HeldSegment, error)
}

type command struct {
	name      string
	section   domain.SectionKey
	template  domain.TemplateKind
	id        string
	text      string
	fromMs    int64
	toMs      int64
	timestamp int64
}

// parseCommand turns one line of operator input into a command.
func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, fmt.Errorf("%w: empty input", errUnknownCommand)
	}
	cmd := command{name: strings.ToLower(fields[0])}
	args := fields[1:]

	switch cmd.name {
	case "pause", "resume", "end", "status", "note", "alerts", "held", "help":
		if len(args) != 0 {
			return command{}, fmt.Errorf("%s takes no arguments", cmd.name)
		}
	case "seek":
		if len(args) != 1 {
			return command{}, errors.New("usage: seek <ms>")
		}
		ts, err := parseMillis(args[0])
		if err != nil {
			return command{}, err
		}
		cmd.timestamp = ts
	case "transcript":
		cmd.toMs = math.MaxInt64
		switch len(args) {
		case 0:
		case 2:
			from, err := parseMillis(args[0])
			if err != nil {
				return command{}, err
			}
			to, err := parseMillis(args[1])
			if err != nil {
				return command{}, err
			}
			if to < from {
				return command{}, fmt.Errorf("transcript range end %d before start %d", to, from)
			}
			cmd.fromMs, cmd.toMs = from, to
		default:
			return command{}, errors.New("usage: transcript [<from-ms> <to-ms>]")
		}
	case "ack":
		if len(args) != 1 {
			return command{}, errors.New("usage: ack <alert-id>")
		}
		cmd.id = args[0]
	case "template":
		if len(args) != 1 {
			return command{}, errors.New("usage: template <SOAP|DAP|BIRP|GIRP>")
		}
		kind, err := domain.ParseTemplateKind(args[0])
		if err != nil {
			return command{}, err
		}
		cmd.template = kind
	case "edit":
		if len(args) < 1 {
			return command{}, errors.New("usage: edit <section> <text>")
		}
		cmd.section = parseSection(args[0])
		cmd.text = strings.Join(args[1:], " ")
	case "auto", "normalize", "condense":
		if len(args) != 1 {
			return command{}, fmt.Errorf("usage: %s <section>", cmd.name)
		}
		cmd.section = parseSection(args[0])
	case "assign":
		if len(args) != 2 {
			return command{}, errors.New("usage: assign <segment-id> <section>")
		}
		cmd.id = args[0]
		cmd.section = parseSection(args[1])
	default:
		return command{}, fmt.Errorf("%w: %q", errUnknownCommand, fields[0])
	}
	return cmd, nil
}

func parseMillis(value string) (int64, error) {
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("invalid millisecond offset %q", value)
	}
	return ms, nil
}

func parseSection(value string) domain.SectionKey {
	return domain.SectionKey(strings.ToLower(strings.TrimSpace(value)))
}

const helpText = "commands: pause | resume | end | status | seek <ms> | transcript [<from> <to>] | note | alerts | held | " +
	"ack <alert-id> | template <kind> | edit <section> <text> | auto <section> | assign <segment-id> <section> | " +
	"normalize <section> | condense <section>. Note changes are refused while blocking alerts are unacknowledged."

// dispatch runs cmd against the session. It reports done once the session has ended.
func dispatch(ctx context.Context, driver sessionDriver, cmd command, out *eventWriter) (bool, error) {
	if gatedCommands[cmd.name] {
		if err := checkGate(driver); err != nil {
			return false, err
		}
	}

	var (
		result any
		err    error
	)
	switch cmd.name {
	case "help":
		result = helpText
	case "pause":
		err = driver.Pause(ctx)
		result = driver.Status()
	case "resume":
		err = driver.Resume(ctx)
		result = driver.Status()
	case "end":
		var export domain.SessionExport
		export, err = driver.End(ctx)
		if err == nil {
			out.reply("export", export)
			return true, nil
		}
	case "status":
		result = driver.Status()
	case "seek":
		result, err = driver.Seek(cmd.timestamp)
	case "transcript":
		result, err = driver.Transcript(cmd.fromMs, cmd.toMs)
	case "note":
		result, err = driver.Sections()
	case "alerts":
		result, err = driver.Alerts()
	case "held":
		result, err = driver.Held()
	case "ack":
		result, err = driver.Acknowledge(cmd.id)
	case "template":
		result, err = driver.SwitchTemplate(cmd.template)
	case "edit":
		result, err = driver.EditSection(cmd.section, cmd.text)
	case "auto":
		result, err = driver.EnableAutomatic(cmd.section)
	case "assign":
		result, err = driver.AssignSegment(cmd.id, cmd.section)
	case "normalize":
		result, err = driver.NormalizeSection(ctx, cmd.section)
	case "condense":
		result, err = driver.CondenseSection(ctx, cmd.section)
	default:
		err = fmt.Errorf("%w: %q", errUnknownCommand, cmd.name)
	}
	if err != nil {
		return false, err
	}
	out.reply(cmd.name, result)
	return false, nil
}

func checkGate(driver sessionDriver) error {
	pending, err := driver.PendingAlerts()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	ids := make([]string, 0, len(pending))
	for _, alert := range pending {
		ids = append(ids, alert.ID)
	}
	return fmt.Errorf("%w: acknowledge %s first", errGateClosed, strings.Join(ids, ", "))
}
