package reminder

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind discriminates the three families of scheduled jobs.
type Kind uint8

const (
	KindContent Kind = iota + 1
	KindCustom
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindCustom:
		return "custom"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

const (
	customPrefix   = "custom:"
	internalPrefix = "internal:"
)

// Key identifies a job. Its String form is the ledger primary key:
//
//	content   <subjectID>:<trigger>:<ownerID>
//	custom    custom:<trigger>:<ownerID>
//	internal  internal:<name>
type Key struct {
	Kind      Kind
	SubjectID int64  // content only: tracked item id
	Trigger   string // content and custom
	OwnerID   int64  // content and custom
	Name      string // internal only
}

func ContentKey(subjectID int64, trigger string, ownerID int64) Key {
	return Key{Kind: KindContent, SubjectID: subjectID, Trigger: trigger, OwnerID: ownerID}
}

func CustomKey(trigger string, ownerID int64) Key {
	return Key{Kind: KindCustom, Trigger: trigger, OwnerID: ownerID}
}

func InternalKey(name string) Key { return Key{Kind: KindInternal, Name: name} }

// Owned reports whether the key carries an owner.
func (k Key) Owned() bool { return k.Kind == KindContent || k.Kind == KindCustom }

func (k Key) String() string {
	switch k.Kind {
	case KindContent:
		return strconv.FormatInt(k.SubjectID, 10) + ":" + k.Trigger + ":" + strconv.FormatInt(k.OwnerID, 10)
	case KindCustom:
		return customPrefix + k.Trigger + ":" + strconv.FormatInt(k.OwnerID, 10)
	case KindInternal:
		return internalPrefix + k.Name
	default:
		return ""
	}
}

// IntegrityError reports a ledger row whose id or trigger cannot be
// interpreted. Callers skip the row and keep going.
type IntegrityError struct {
	ID     string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("malformed job %q: %s", e.ID, e.Reason)
}

// IsIntegrity reports whether err is (or wraps) an IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// ParseKey decodes a ledger id. The trigger segment may itself contain ':'
// (user supplied dates), so the owner is always taken after the last colon.
func ParseKey(id string) (Key, error) {
	bad := func(reason string) (Key, error) { return Key{}, &IntegrityError{ID: id, Reason: reason} }

	switch {
	case strings.HasPrefix(id, internalPrefix):
		name := strings.TrimPrefix(id, internalPrefix)
		if name == "" {
			return bad("empty internal name")
		}
		return InternalKey(name), nil

	case strings.HasPrefix(id, customPrefix):
		trigger, owner, err := splitOwner(strings.TrimPrefix(id, customPrefix))
		if err != nil {
			return bad(err.Error())
		}
		return CustomKey(trigger, owner), nil

	default:
		head, rest, ok := strings.Cut(id, ":")
		if !ok {
			return bad("missing separators")
		}
		subject, err := strconv.ParseInt(head, 10, 64)
		if err != nil || subject < 0 {
			return bad("subject id is not a number")
		}
		trigger, owner, err := splitOwner(rest)
		if err != nil {
			return bad(err.Error())
		}
		return ContentKey(subject, trigger, owner), nil
	}
}

func splitOwner(s string) (trigger string, owner int64, err error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return "", 0, errors.New("missing trigger or owner")
	}
	owner, err = strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return "", 0, errors.New("owner id is not a number")
	}
	return s[:i], owner, nil
}

// ParseOneShot interprets an unsigned decimal trigger as epoch milliseconds.
// ok is false for anything else (cron expressions, free text).
func ParseOneShot(trigger string) (at time.Time, ok bool) {
	trigger = strings.TrimSpace(trigger)
	if trigger == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseUint(trigger, 10, 63)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(ms)), true
}

// FormatOneShot is the inverse of ParseOneShot.
func FormatOneShot(at time.Time) string { return strconv.FormatInt(at.UnixMilli(), 10) }

// RepeatInterval is the offset used by the "repeat next week" affordance.
const RepeatInterval = 7 * 24 * time.Hour

// RepeatTrigger shifts a one-shot trigger forward by RepeatInterval.
func RepeatTrigger(trigger string) (string, error) {
	at, ok := ParseOneShot(trigger)
	if !ok {
		return "", fmt.Errorf("trigger %q is not a one-shot timestamp", trigger)
	}
	return FormatOneShot(at.Add(RepeatInterval)), nil
}
