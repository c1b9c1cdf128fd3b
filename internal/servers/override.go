package servers

import "github.com/AaronLay10/SentientSequencer/internal/sequence"

// ChannelSet lists channel IDs by output kind.
type ChannelSet struct {
	Analog  []string
	GPIB    []string
	Digital []string
}

// Empty reports whether no channel is listed.
func (c ChannelSet) Empty() bool {
	return len(c.Analog) == 0 && len(c.GPIB) == 0 && len(c.Digital) == 0
}

// ChannelOverride records the prior state of channels it turned off so they
// can be restored exactly.
type ChannelOverride struct {
	analog  map[*sequence.ChannelGroup]map[string]bool
	gpib    map[*sequence.ChannelGroup]map[string]bool
	digital map[*sequence.Timestep]map[string]bool
}

// DisableChannels turns off the listed channels in every analog group, GPIB
// group and timestep of seq, capturing each prior value.
func DisableChannels(seq *sequence.Sequence, off ChannelSet) *ChannelOverride {
	o := &ChannelOverride{
		analog:  disableGroups(seq.AnalogGroups, off.Analog),
		gpib:    disableGroups(seq.GPIBGroups, off.GPIB),
		digital: make(map[*sequence.Timestep]map[string]bool),
	}

	for _, step := range seq.Timesteps {
		saved := make(map[string]bool)
		for _, id := range off.Digital {
			if v, ok := step.Digital[id]; ok {
				saved[id] = v
				step.Digital[id] = false
			}
		}
		o.digital[step] = saved
	}
	return o
}

func disableGroups(groups []*sequence.ChannelGroup, ids []string) map[*sequence.ChannelGroup]map[string]bool {
	out := make(map[*sequence.ChannelGroup]map[string]bool, len(groups))
	for _, g := range groups {
		saved := make(map[string]bool)
		for _, id := range ids {
			if enabled, ok := g.Channels[id]; ok {
				saved[id] = enabled
				g.Channels[id] = false
			}
		}
		out[g] = saved
	}
	return out
}

// Count returns how many channel values were overridden.
func (o *ChannelOverride) Count() int {
	n := 0
	for _, m := range o.analog {
		n += len(m)
	}
	for _, m := range o.gpib {
		n += len(m)
	}
	for _, m := range o.digital {
		n += len(m)
	}
	return n
}

// Restore writes every captured value back. Calling it again is a no-op.
func (o *ChannelOverride) Restore() {
	if o == nil {
		return
	}
	for g, saved := range o.analog {
		for id, v := range saved {
			g.Channels[id] = v
		}
	}
	for g, saved := range o.gpib {
		for id, v := range saved {
			g.Channels[id] = v
		}
	}
	for step, saved := range o.digital {
		for id, v := range saved {
			step.Digital[id] = v
		}
	}
	o.analog, o.gpib, o.digital = nil, nil, nil
}
