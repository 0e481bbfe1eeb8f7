package update

import (
	"fmt"
	"regexp"
	"strconv"
)

// Compatibility is the highest firmware major version this host speaks.
const Compatibility = 4

// Version is a firmware version compared component-wise.
type Version struct {
	Major, Minor, Patch int
}

var versionPattern = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)`)

// ParseVersion extracts the first "x.y.z" from a firmware revision string
// such as "v4.2.0b".
func ParseVersion(s string) (Version, error) {
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("update: no version in %q", s)
	}
	var v Version
	for i, p := range []*int{&v.Major, &v.Minor, &v.Patch} {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Version{}, fmt.Errorf("update: parse version %q: %w", s, err)
		}
		*p = n
	}
	return v, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 as v is older than, equal to or newer than o.
func (v Version) Compare(o Version) int {
	for _, d := range [3]int{v.Major - o.Major, v.Minor - o.Minor, v.Patch - o.Patch} {
		switch {
		case d < 0:
			return -1
		case d > 0:
			return 1
		}
	}
	return 0
}

// CheckDevice fails when the device runs a major version newer than compat.
func CheckDevice(device Version, compat int) error {
	if device.Major > compat {
		return fmt.Errorf("%w: device runs %s, host supports %d.x", ErrVersionIncompatible, device, compat)
	}
	return nil
}

// Decide reports whether candidate should be installed on a device running
// device. Only strictly newer candidates are installed; a candidate whose
// major exceeds compat is rejected.
func Decide(device, candidate Version, compat int) (bool, error) {
	if err := CheckDevice(device, compat); err != nil {
		return false, err
	}
	if candidate.Major > compat {
		return false, fmt.Errorf("%w: candidate %s, host supports %d.x", ErrVersionIncompatible, candidate, compat)
	}
	return candidate.Compare(device) > 0, nil
}
