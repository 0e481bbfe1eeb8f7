package ble

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

var pairingIDPattern = regexp.MustCompile(`G1_(\d+)_`)

// ParsePairingID extracts the shared pair id from an advertised name such
// as "Even G1_42_L_1A2B3C".
func ParsePairingID(name string) (string, bool) {
	m := pairingIDPattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ArmRole returns the arm named by an advertised name's "_L_" or "_R_"
// marker.
func ArmRole(name string) (Role, bool) {
	switch {
	case strings.Contains(name, "_L_"):
		return RoleLeft, true
	case strings.Contains(name, "_R_"):
		return RoleRight, true
	}
	return RoleSingle, false
}

// ScanForDevices scans for peripherals matching filter.
func ScanForDevices(adapter Adapter, filter ScanFilter, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

// PairedIdentity is the pair of devices last bonded together.
type PairedIdentity struct {
	PairingID string
	Left      Device
	Right     Device
}

type bondRecord struct {
	device    Device
	pairingID string
	order     int
}

// PairCoordinator keeps the two arms of a dual-arm device bonded to the same
// physical pair. It is wired into each link's OnBonded hook.
type PairCoordinator struct {
	// FilterFor builds the scan filter of role restricted to pairingID.
	FilterFor func(role Role, pairingID string) ScanFilter
	// OnPaired runs when both arms are bonded with matching ids.
	OnPaired func(id PairedIdentity)

	mu        sync.Mutex
	links     map[Role]*Link
	bonded    map[Role]bondRecord
	seq       int
	pairingID string
}

// NewPairCoordinator starts with an optional saved or user-selected pairing
// id.
func NewPairCoordinator(pairingID string) *PairCoordinator {
	return &PairCoordinator{
		links:     make(map[Role]*Link),
		bonded:    make(map[Role]bondRecord),
		pairingID: pairingID,
	}
}

// Attach registers the link serving role.
func (p *PairCoordinator) Attach(l *Link) {
	p.mu.Lock()
	p.links[l.Role()] = l
	p.mu.Unlock()
}

// PairingID returns the id both arms are restricted to, if known.
func (p *PairCoordinator) PairingID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pairingID
}

func counterpart(r Role) Role {
	if r == RoleLeft {
		return RoleRight
	}
	return RoleLeft
}

// Bonded records that role bonded dev. If the counterpart arm is not bonded
// yet its link is restricted to dev's pairing id and nudged to scan. If both
// are bonded with different ids the later-bonded arm is unbonded and
// rescans restricted to the earlier arm's id.
func (p *PairCoordinator) Bonded(l *Link, dev Device) {
	role := l.Role()
	id, ok := ParsePairingID(dev.Name)
	if !ok {
		slog.Warn("[BLE] bonded device has no pairing id", "role", role, "name", dev.Name)
	}

	p.mu.Lock()
	p.seq++
	p.bonded[role] = bondRecord{device: dev, pairingID: id, order: p.seq}
	other := counterpart(role)
	otherRec, otherBonded := p.bonded[other]
	otherLink := p.links[other]

	if !otherBonded {
		if p.pairingID == "" {
			p.pairingID = id
		}
		restrict := p.pairingID
		p.mu.Unlock()
		if otherLink != nil && restrict != "" && p.FilterFor != nil {
			otherLink.SetFilter(p.FilterFor(other, restrict))
			otherLink.Nudge()
		}
		return
	}

	if otherRec.pairingID == id {
		p.pairingID = id
		ident := PairedIdentity{PairingID: id}
		if role == RoleLeft {
			ident.Left, ident.Right = dev, otherRec.device
		} else {
			ident.Left, ident.Right = otherRec.device, dev
		}
		onPaired := p.OnPaired
		p.mu.Unlock()
		slog.Info("[BLE] both arms bonded", "pairing_id", id)
		if onPaired != nil {
			onPaired(ident)
		}
		return
	}

	// Mismatch: the arm bonded later goes.
	later, keep := role, otherRec
	if otherRec.order > p.bonded[role].order {
		later, keep = other, p.bonded[role]
	}
	delete(p.bonded, later)
	p.pairingID = keep.pairingID
	laterLink := p.links[later]
	p.mu.Unlock()

	slog.Warn("[BLE] arms belong to different pairs, unbonding later arm",
		"role", later, "kept_pairing_id", keep.pairingID, "mismatched_pairing_id", id)
	if laterLink != nil {
		if p.FilterFor != nil {
			laterLink.SetFilter(p.FilterFor(later, keep.pairingID))
		}
		laterLink.PairingMismatch()
	}
}

// Forget drops role's bond record, e.g. after an explicit unpair.
func (p *PairCoordinator) Forget(role Role) {
	p.mu.Lock()
	delete(p.bonded, role)
	p.mu.Unlock()
}
