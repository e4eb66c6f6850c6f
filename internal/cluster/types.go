package cluster

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

// Role selects which request handlers an instance answers.
type Role string

const (
	RoleShard  Role = "shard"
	RoleGlobal Role = "global"
)

// Identity is attached to every dispatched call. Instances hold no session,
// so the identity is the only way an instance learns what it is.
type Identity struct {
	Role       Role   `json:"role"`
	Partition  string `json:"partition"`
	ShardIndex int    `json:"shard_index,omitempty"`
}

// ShardIdentity builds the identity of shard index i in a partition.
func ShardIdentity(partition string, i int) Identity {
	return Identity{Role: RoleShard, Partition: partition, ShardIndex: i}
}

// GlobalIdentity builds the identity of the partition's aggregator.
func GlobalIdentity(partition string) Identity {
	return Identity{Role: RoleGlobal, Partition: partition}
}

// Name renders the addressable instance name, e.g. "metrics~shard3" or
// "metrics~global".
func (id Identity) Name() string {
	if id.Role == RoleGlobal {
		return id.Partition + "~global"
	}
	return id.Partition + "~shard" + strconv.Itoa(id.ShardIndex)
}

func (id Identity) String() string { return id.Name() }

// Validate reports whether the identity can address an instance.
func (id Identity) Validate() error {
	if id.Partition == "" {
		return errors.New("identity: empty partition")
	}
	if strings.Contains(id.Partition, "~") {
		return fmt.Errorf("identity: partition %q contains '~'", id.Partition)
	}
	switch id.Role {
	case RoleShard:
		if id.ShardIndex < 0 {
			return fmt.Errorf("identity: negative shard index %d", id.ShardIndex)
		}
	case RoleGlobal:
	default:
		return fmt.Errorf("identity: unknown role %q", id.Role)
	}
	return nil
}

// CounterSet maps counter names to non-negative tallies. A missing key reads
// as zero.
type CounterSet map[string]int64

// Clone returns an independent copy. Cloning nil yields an empty set.
func (c CounterSet) Clone() CounterSet {
	out := make(CounterSet, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// ErrOverflow is returned by CheckedMerge when a tally would pass
// math.MaxInt64.
var ErrOverflow = errors.New("counter overflow")

// Merge adds every entry of other into c by per-key summation. It does not
// check for overflow; see CheckedMerge.
func (c CounterSet) Merge(other CounterSet) {
	for k, v := range other {
		c[k] += v
	}
}

// CheckedMerge is Merge for non-negative sets that refuses to wrap. On error
// c is left unchanged.
func (c CounterSet) CheckedMerge(other CounterSet) error {
	for k, v := range other {
		if v > 0 && c[k] > math.MaxInt64-v {
			return fmt.Errorf("%w: %q would exceed %d", ErrOverflow, k, int64(math.MaxInt64))
		}
	}
	c.Merge(other)
	return nil
}

// Total sums all tallies.
func (c CounterSet) Total() int64 {
	var n int64
	for _, v := range c {
		n += v
	}
	return n
}

// Empty reports whether the set holds no names.
func (c CounterSet) Empty() bool { return len(c) == 0 }

// Names returns the counter names in sorted order.
func (c CounterSet) Names() []string {
	names := make([]string, 0, len(c))
	for k := range c {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// Validate rejects empty names and negative deltas.
func (c CounterSet) Validate() error {
	for k, v := range c {
		if k == "" {
			return errors.New("counter set: empty counter name")
		}
		if v < 0 {
			return fmt.Errorf("counter set: negative value %d for %q", v, k)
		}
	}
	return nil
}

// Event is why a WriteRecord was produced.
type Event string

const (
	EventThresholdExceeded Event = "threshold-exceeded"
	EventInactivityTimeout Event = "inactivity-timeout"
	EventExplicitRequest   Event = "explicit-request"
	EventMirrorWrite       Event = "mirror-write"
)

func (e Event) valid() bool {
	switch e {
	case EventThresholdExceeded, EventInactivityTimeout, EventExplicitRequest, EventMirrorWrite:
		return true
	}
	return false
}

// Command is where a WriteRecord was sent.
type Command string

const (
	CmdFlushToGlobal Command = "flush-to-global"
	CmdFlushToMirror Command = "flush-to-mirror"
)

// WriteRecord is the unit forwarded on every flush and appended to the audit
// log. It is never modified after NewWriteRecord returns, except for Seq which
// the audit log assigns on append.
type WriteRecord struct {
	ID        string     `json:"id"`
	Seq       uint64     `json:"seq,omitempty"`
	Counters  CounterSet `json:"counters"`
	ShardName string     `json:"shard_name"`
	Event     Event      `json:"event"`
	Cmd       Command    `json:"cmd"`
	Timestamp int64      `json:"timestamp"`
}

// NewWriteRecord stamps a record with a fresh unique id. The counters are
// copied so later mutation of the caller's set cannot leak in.
func NewWriteRecord(counters CounterSet, shardName string, event Event, cmd Command, ts int64) WriteRecord {
	return WriteRecord{
		ID:        uuid.NewString(),
		Counters:  counters.Clone(),
		ShardName: shardName,
		Event:     event,
		Cmd:       cmd,
		Timestamp: ts,
	}
}

// Validate checks a record received over the wire.
func (w WriteRecord) Validate() error {
	if w.Timestamp < 0 {
		return fmt.Errorf("write record: negative timestamp %d", w.Timestamp)
	}
	if w.ShardName == "" {
		return errors.New("write record: missing shard name")
	}
	if !w.Event.valid() {
		return fmt.Errorf("write record: unknown event %q", w.Event)
	}
	if w.Cmd != CmdFlushToGlobal && w.Cmd != CmdFlushToMirror {
		return fmt.Errorf("write record: unknown cmd %q", w.Cmd)
	}
	return w.Counters.Validate()
}
