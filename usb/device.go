package usb

// maxLangIDs bounds the language-ID table
const maxLangIDs = 16

// Device holds everything the enumerator discovers about one attached USB
// device: its address, speed, descriptor tree, active configuration and
// language-ID table. Controllers reference their owning device by
// DeviceID, never by pointer, so a device can be torn down and its
// Controllers invalidated without dangling references.
type Device struct {
	ID     DeviceID
	Speed  Speed
	Device DeviceDescriptor

	Configs      []*Configuration
	ActiveConfig *Configuration

	LangIDs []uint16

	Controllers []ControllerID

	// ParentHub is 0 when this device hangs off the root hub.
	ParentHub  ControllerID
	ParentPort uint8

	Path string
}

// configByValue finds the parsed configuration whose bConfigurationValue
// matches value.
func (d *Device) configByValue(value uint8) *Configuration {
	for _, c := range d.Configs {
		if c.Descriptor.BConfigurationValue == value {
			return c
		}
	}
	return nil
}

// addLangID appends a language ID, honoring the ≤16 bound; excess IDs are
// silently dropped (the table is advisory — GetStringDescriptor still
// validates membership against whatever was captured).
func (d *Device) addLangID(id uint16) {
	if len(d.LangIDs) >= maxLangIDs {
		return
	}
	d.LangIDs = append(d.LangIDs, id)
}

func (d *Device) hasLangID(id uint16) bool {
	for _, l := range d.LangIDs {
		if l == id {
			return true
		}
	}
	return false
}
