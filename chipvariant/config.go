package chipvariant

import (
	"os"
	"strconv"

	"github.com/dsoprea/go-logging"
	"gopkg.in/yaml.v2"
)

// configFile is the on-disk shape of a chip-variant override file: a list
// of tables keyed by their device-ID, expressed in YAML so a new chip
// variant can be deployed without a rebuild.
type configFile struct {
	Variants map[string]Table `yaml:"variants"`
}

// LoadOverrides reads a YAML file mapping a hex device-ID string (e.g.
// "0x00220016") to a Table, for cmd/obcbootctl to hand to Resolve.
func LoadOverrides(path string) (overrides map[DeviceID]Table, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	raw, err := os.ReadFile(path)
	log.PanicIf(err)

	var cf configFile

	err = yaml.Unmarshal(raw, &cf)
	log.PanicIf(err)

	overrides = make(map[DeviceID]Table, len(cf.Variants))

	for key, table := range cf.Variants {
		deviceID, err := parseHexUint32(key)
		log.PanicIf(err)

		overrides[deviceID] = table
	}

	return overrides, nil
}

func parseHexUint32(s string) (uint32, error) {
	value, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, log.Errorf("malformed device-id key %q: %v", s, err)
	}

	return uint32(value), nil
}
