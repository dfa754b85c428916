package slot

// Package slot maps capture timestamps onto fixed 30-minute slots.
// Every function here is pure: the same instant, location and device id
// always produce the same slot, file name and object key.

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Length is the width of one capture slot.
const Length = 30 * time.Minute

const (
	dateLayout = "2006-01-02"
	slotLayout = "15-04"
	rawDir     = "raw"
	fileExt    = ".wav"
)

// ID identifies one 30-minute capture slot of one device.
type ID struct {
	DeviceID string // Owner of the capture, first segment of the object key
	Date     string // YYYY-MM-DD in the data owner's timezone
	Slot     string // HH-MM slot start, minute is always 00 or 30
}

// For returns the slot containing t, evaluated on the wall clock of loc.
// loc is the data owner's timezone, which may differ from the local zone
// of the machine doing the capture. A nil loc means UTC.
func For(t time.Time, loc *time.Location, deviceID string) ID {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return ID{
		DeviceID: deviceID,
		Date:     local.Format(dateLayout),
		Slot:     fmt.Sprintf("%02d-%02d", local.Hour(), floorMinute(local.Minute())),
	}
}

// FileName is the path of the slot's capture relative to the data root.
// It is the primary key of the recording ledger.
func (id ID) FileName() string {
	return path.Join(id.Date, rawDir, id.Slot+fileExt)
}

// ObjectKey is the remote layout "{deviceId}/{date}/raw/{HH-MM}.wav".
func (id ID) ObjectKey() string {
	return path.Join(id.DeviceID, id.FileName())
}

func (id ID) String() string {
	return id.ObjectKey()
}

// Start returns the instant the slot begins in loc.
func (id ID) Start(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(dateLayout+" "+slotLayout, id.Date+" "+id.Slot, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid slot %q %q: %w", id.Date, id.Slot, err)
	}
	return t, nil
}

// WithDevice returns a copy of id owned by deviceID.
func (id ID) WithDevice(deviceID string) ID {
	id.DeviceID = deviceID
	return id
}

// Parse is the inverse of ID.FileName. The returned ID has no device.
// Names that are not exactly "{date}/raw/{HH-MM}.wav" with a 00 or 30
// minute are rejected, so partial captures and foreign files never parse.
func Parse(fileName string) (ID, error) {
	name := strings.TrimPrefix(path.Clean(strings.ReplaceAll(fileName, "\\", "/")), "/")
	parts := strings.Split(name, "/")
	if len(parts) != 3 || parts[1] != rawDir || !strings.HasSuffix(parts[2], fileExt) {
		return ID{}, fmt.Errorf("not a slot file name: %q", fileName)
	}

	date := parts[0]
	if _, err := time.Parse(dateLayout, date); err != nil {
		return ID{}, fmt.Errorf("invalid slot date in %q: %w", fileName, err)
	}

	hhmm := strings.TrimSuffix(parts[2], fileExt)
	t, err := time.Parse(slotLayout, hhmm)
	if err != nil || len(hhmm) != len(slotLayout) {
		return ID{}, fmt.Errorf("invalid slot time in %q", fileName)
	}
	if t.Minute() != 0 && t.Minute() != 30 {
		return ID{}, fmt.Errorf("slot minute must be 00 or 30 in %q", fileName)
	}

	return ID{Date: date, Slot: hhmm}, nil
}

// NextSlotStart returns the start of the slot after the one containing now,
// in now's location. The result is always strictly after now and never more
// than Length away, so during a repeated wall-clock hour (DST fall back) the
// next slot is the repeated one rather than the first slot after it.
func NextSlotStart(now time.Time) time.Time {
	y, m, d := now.Date()
	floor := floorMinute(now.Minute())

	// time.Date normalises minute overflow across hour, day, month and year.
	next := time.Date(y, m, d, now.Hour(), floor+30, 0, 0, now.Location())
	for !next.After(now) {
		next = next.Add(Length)
	}

	elapsed := time.Duration(now.Minute()-floor)*time.Minute +
		time.Duration(now.Second())*time.Second +
		time.Duration(now.Nanosecond())
	if limit := now.Add(Length - elapsed); limit.Before(next) {
		return limit
	}
	return next
}

// SecondsUntilNextSlot returns the time left in the slot containing now.
// On an exact boundary it returns a full Length, never zero, so a timer
// armed with it cannot fire twice for the same boundary.
func SecondsUntilNextSlot(now time.Time) time.Duration {
	return NextSlotStart(now).Sub(now)
}

func floorMinute(minute int) int {
	if minute >= 30 {
		return 30
	}
	return 0
}
