package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"homepi/internal/presence"
	"homepi/internal/rules"
	"homepi/internal/storage"
	logx "homepi/pkg/logx"
)

// DeviceRequest pairs a device with the actor. Value is an IP address
// (ping) or a Bluetooth MAC address (BLE).
type DeviceRequest struct {
	Actor Actor
	Value string
}

type Paired struct {
	Person        storage.Person
	Device        storage.Device
	PersonCreated bool
}

// ParseDevice classifies value as ping_ip or ble_mac. MACs are returned
// upper case.
func ParseDevice(value string) (storage.DeviceKind, string, error) {
	v := strings.TrimSpace(value)
	if ip := net.ParseIP(v); ip != nil {
		return storage.DevicePingIP, ip.String(), nil
	}
	if hw, err := net.ParseMAC(v); err == nil && len(hw) == 6 && strings.Count(v, ":") == 5 {
		return storage.DeviceBLEMAC, strings.ToUpper(hw.String()), nil
	}
	return "", "", &rules.ValidationError{Field: "device", Reason: fmt.Sprintf("%q is neither an IP address nor a MAC like AA:BB:CC:DD:EE:FF", v)}
}

// RegisterDevice creates the actor's person on first use and attaches the
// device. A device already paired to anyone yields ErrAlreadyRegistered.
func (s *Service) RegisterDevice(ctx context.Context, req DeviceRequest) (out Paired, err error) {
	started := time.Now()
	defer func() { s.audit(ctx, req.Actor, "device.register", strings.TrimSpace(req.Value), started, err) }()

	if strings.TrimSpace(req.Actor.ExternalID) == "" {
		return Paired{}, &rules.ValidationError{Field: "actor", Reason: "unknown sender"}
	}
	kind, value, err := ParseDevice(req.Value)
	if err != nil {
		return Paired{}, err
	}

	p, created, err := s.store.UpsertPerson(ctx, req.Actor.ExternalID, req.Actor.Name)
	if err != nil {
		return Paired{}, fmt.Errorf("upsert person: %w", err)
	}
	d, err := s.store.AddDevice(ctx, p.ID, kind, value)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return Paired{Person: p, PersonCreated: created}, fmt.Errorf("%w: %s", ErrAlreadyRegistered, value)
		}
		return Paired{}, fmt.Errorf("add device: %w", err)
	}
	s.log.Info("device paired",
		logx.Int64("person_id", p.ID),
		logx.String("kind", string(kind)),
		logx.String("value", value),
		logx.Bool("person_created", created))
	return Paired{Person: p, Device: d, PersonCreated: created}, nil
}

// WhoHome lists every person with their committed state, by name.
// People the state machine has not tracked yet show as away. With presence
// detail, last-seen times and pending transitions are appended.
func (s *Service) WhoHome(ctx context.Context) (string, error) {
	people, err := s.store.ListPeople(ctx)
	if err != nil {
		return "", err
	}
	if len(people) == 0 {
		return "No one is registered yet. Pair a device with /pair <ip|mac>.", nil
	}
	sort.SliceStable(people, func(i, j int) bool { return strings.ToLower(people[i].Name) < strings.ToLower(people[j].Name) })
	states := s.presence()
	detail := map[int64]presence.PersonStatus{}
	if s.detail != nil {
		for _, ps := range s.detail() {
			detail[ps.Person.ID] = ps
		}
	}
	loc := s.location()

	var b strings.Builder
	for i, p := range people {
		if i > 0 {
			b.WriteByte('\n')
		}
		st, ok := states[p.ID]
		if !ok {
			st = storage.StateAway
		}
		icon := "🚪"
		if st == storage.StateHome {
			icon = "🏠"
		}
		fmt.Fprintf(&b, "%s %s: %s", icon, p.Name, st)
		if d, ok := detail[p.ID]; ok {
			if !d.LastSeen.IsZero() {
				fmt.Fprintf(&b, ", seen %s", d.LastSeen.In(loc).Format("15:04"))
			}
			if d.Pending != "" {
				fmt.Fprintf(&b, ", turning %s since %s", d.Pending, d.PendingSince.In(loc).Format("15:04"))
			}
		}
	}
	return b.String(), nil
}

// People lists registered people with their devices.
func (s *Service) People(ctx context.Context) (string, error) {
	people, err := s.store.ListPeople(ctx)
	if err != nil {
		return "", err
	}
	if len(people) == 0 {
		return "No one is registered yet.", nil
	}
	devs, err := s.store.ListDevices(ctx, "")
	if err != nil {
		return "", err
	}
	byPerson := map[int64][]string{}
	for _, d := range devs {
		label := "ip " + d.Value
		if d.Kind == storage.DeviceBLEMAC {
			label = "ble " + d.Value
		}
		byPerson[d.PersonID] = append(byPerson[d.PersonID], label)
	}

	var b strings.Builder
	for i, p := range people {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s (id %d)", p.Name, p.ID)
		if l := byPerson[p.ID]; len(l) > 0 {
			b.WriteString(": " + strings.Join(l, ", "))
		} else {
			b.WriteString(": no devices")
		}
	}
	return b.String(), nil
}

// Jobs lists scheduled jobs with their state.
func (s *Service) Jobs(ctx context.Context) (string, error) {
	views, err := s.store.ListJobs(ctx)
	if err != nil {
		return "", err
	}
	if len(views) == 0 {
		return "No scheduled jobs.", nil
	}
	loc := s.location()
	stamp := func(t *time.Time) string {
		if t == nil {
			return "-"
		}
		return t.In(loc).Format("2006-01-02 15:04")
	}

	var b strings.Builder
	for i, v := range views {
		if i > 0 {
			b.WriteByte('\n')
		}
		j := v.Job
		fmt.Fprintf(&b, "job %d rule #%s %s next=%s last=%s", j.ID, strconv.FormatInt(j.RuleID, 10), j.Status, stamp(j.NextRunAt), stamp(j.LastRunAt))
		if !v.Rule.Enabled {
			b.WriteString(" [off]")
		}
		if j.LastError != "" {
			b.WriteString(" err=" + j.LastError)
		}
		if v.DecodeErr != nil {
			b.WriteString(" unreadable: " + v.DecodeErr.Error())
		}
	}
	return b.String(), nil
}
