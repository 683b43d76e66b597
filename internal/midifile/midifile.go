// Package midifile serialises a detected note sequence into a Standard MIDI
// File (format 0) preserving the timing of the source audio.
package midifile

import (
	"bytes"
	"fmt"
	"sort"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/voxanote/voxanote/pkg/notes"
)

const (
	// tempo is the fixed BPM written to the file. Notes carry absolute
	// timing, so the tempo only determines the tick scale.
	tempo = 120.0

	// ticksPerBeat is the SMF resolution. 480 gives ~1 ms precision at
	// 120 BPM.
	ticksPerBeat = 480
)

// event is one note_on or note_off at an absolute time.
type event struct {
	time     float64
	on       bool
	key      uint8
	velocity uint8
}

// Encode renders the note sequence as SMF bytes. The notes must be ordered
// by start time; an empty sequence yields a valid file with an empty track.
func Encode(ns []notes.Note) ([]byte, error) {
	events := make([]event, 0, len(ns)*2)
	for _, n := range ns {
		key := uint8(n.MIDINumber)
		events = append(events,
			event{time: n.StartTime, on: true, key: key, velocity: uint8(n.Velocity)},
			event{time: n.EndTime(), on: false, key: key},
		)
	}

	// Stable order: by time, note_off before note_on at equal ticks so a
	// repeated pitch is released before it is restruck.
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].time != events[j].time {
			return events[i].time < events[j].time
		}
		return !events[i].on && events[j].on
	})

	s := smf.New()
	s.TimeFormat = smf.MetricTicks(ticksPerBeat)

	var track smf.Track
	track.Add(0, smf.MetaTempo(tempo))

	ticksPerSecond := ticksPerBeat * tempo / 60.0
	lastTick := int64(0)
	for _, e := range events {
		tick := int64(e.time * ticksPerSecond)
		delta := tick - lastTick
		if delta < 0 {
			delta = 0
		}
		if e.on {
			track.Add(uint32(delta), midi.NoteOn(0, e.key, e.velocity))
		} else {
			track.Add(uint32(delta), midi.NoteOff(0, e.key))
		}
		lastTick = tick
	}
	track.Close(0)

	if err := s.Add(track); err != nil {
		return nil, fmt.Errorf("midifile: add track: %w", err)
	}

	var buf bytes.Buffer
	if _, err := s.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("midifile: write: %w", err)
	}
	return buf.Bytes(), nil
}
