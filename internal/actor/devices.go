package actor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultDeviceEnvVar controls which accelerators the engine process sees.
const DefaultDeviceEnvVar = "CUDA_VISIBLE_DEVICES"

// DeviceAssignmentError reports a local device range that the physical device
// list cannot satisfy.
type DeviceAssignmentError struct {
	EnvVar    string
	Start     int
	End       int
	LocalRank int
	Base      string
}

func (e DeviceAssignmentError) Error() string {
	return fmt.Sprintf("error setting %s: local range: [%d, %d) local rank %d base value: %q",
		e.EnvVar, e.Start, e.End, e.LocalRank, e.Base)
}

func IsDeviceAssignment(err error) bool {
	var e DeviceAssignmentError
	return errors.As(err, &e)
}

// VisibleDevices returns the comma-separated device ids for one local replica:
// positions [localRank*worldSize, (localRank+1)*worldSize) of the physical
// device list. When the variable is unset the list is the identity mapping.
func VisibleDevices(envVar, base string, set bool, localRank, worldSize int) (string, error) {
	start, end := localRank*worldSize, (localRank+1)*worldSize
	fail := DeviceAssignmentError{EnvVar: envVar, Start: start, End: end, LocalRank: localRank, Base: base}
	if localRank < 0 || worldSize < 1 {
		return "", fail
	}
	ids := make([]string, 0, worldSize)
	if !set {
		for i := start; i < end; i++ {
			ids = append(ids, strconv.Itoa(i))
		}
		return strings.Join(ids, ","), nil
	}
	physical := strings.Split(base, ",")
	if strings.TrimSpace(base) == "" || end > len(physical) {
		return "", fail
	}
	for _, id := range physical[start:end] {
		id = strings.TrimSpace(id)
		if id == "" {
			return "", fail
		}
		ids = append(ids, id)
	}
	return strings.Join(ids, ","), nil
}
