package gap

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
	errw "github.com/pkg/errors"
	"tinygo.org/x/bluetooth"
)

// ParseUUIDs reads service UUIDs for the discovery filter. Four and eight
// hex digit forms are 16 and 32 bit assigned numbers; anything else must be a
// full 128 bit UUID.
func ParseUUIDs(list []string) ([]bluetooth.UUID, error) {
	out := make([]bluetooth.UUID, 0, len(list))
	for _, raw := range list {
		s := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x")
		switch len(s) {
		case 4:
			v, err := strconv.ParseUint(s, 16, 16)
			if err != nil {
				return nil, errw.Wrapf(err, "parsing service uuid %q", raw)
			}
			out = append(out, bluetooth.New16BitUUID(uint16(v)))
		case 8:
			v, err := strconv.ParseUint(s, 16, 32)
			if err != nil {
				return nil, errw.Wrapf(err, "parsing service uuid %q", raw)
			}
			out = append(out, bluetooth.New32BitUUID(uint32(v)))
		default:
			u, err := uuid.Parse(s)
			if err != nil {
				return nil, errw.Wrapf(err, "parsing service uuid %q", raw)
			}
			out = append(out, bluetooth.NewUUID(u))
		}
	}
	return out, nil
}

// matchesFilter reports whether any of the advertised services is wanted. An
// empty filter matches everything.
func matchesFilter(has func(bluetooth.UUID) bool, filter []bluetooth.UUID) bool {
	if len(filter) == 0 {
		return true
	}
	for _, u := range filter {
		if has(u) {
			return true
		}
	}
	return false
}
