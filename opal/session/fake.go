package session

// Security protocol and SP-specific values this fake addresses its
// SendData/ReceiveData calls with, per TCG Opal SSC protocol ID 1.
const (
	protocolSecurity = 1
	spDiscovery      = 0x0001
	spLockingInfo    = 0x0002
	spUnlock         = 0x0100
	spBlockSID       = 0x0103
)

// Fake implements Helper against canned state, enough to drive S3-replay
// end to end in tests without a real TCG stack. It still issues every call
// through the supplied StorageIO so tests can observe the bytes a real
// handshake would have moved through the selected transport.
type Fake struct {
	Attrs       Attributes
	Locked      bool
	Password    []byte
	UnlockCalls int
	BlockSIDSet *bool
}

func (f *Fake) GetSupportedAttributes(io StorageIO) (Attributes, error) {
	if _, err := io.ReceiveData(protocolSecurity, spDiscovery, 512); err != nil {
		return Attributes{}, err
	}
	return f.Attrs, nil
}

func (f *Fake) GetLockingInfo(io StorageIO) (LockingInfo, error) {
	if _, err := io.ReceiveData(protocolSecurity, spLockingInfo, 512); err != nil {
		return LockingInfo{}, err
	}
	return LockingInfo{Locked: f.Locked}, nil
}

// Unlock succeeds only if password matches the configured Password,
// mirroring a real Locking SP rejecting the wrong PIN.
func (f *Fake) Unlock(io StorageIO, password []byte) error {
	f.UnlockCalls++
	if !bytesEqual(password, f.Password) {
		return &unlockError{"incorrect password"}
	}
	if err := io.SendData(protocolSecurity, spUnlock, password); err != nil {
		return err
	}
	f.Locked = false
	return nil
}

func (f *Fake) BlockSID(io StorageIO, enable bool) error {
	payload := []byte{0}
	if enable {
		payload[0] = 1
	}
	if err := io.SendData(protocolSecurity, spBlockSID, payload); err != nil {
		return err
	}
	f.BlockSIDSet = &enable
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type unlockError struct{ msg string }

func (e *unlockError) Error() string { return "session: " + e.msg }
