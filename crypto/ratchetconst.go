package crypto

import "lukechampine.com/blake3"

// WelcomeRatchetLabel and AddRatchetLabel are the fixed 32-byte constants
// of the twice-ratchet every member runs on the adder's outer ratchet when
// processing an Add: WelcomeRatchetLabel yields the newcomer's first
// member secret, then AddRatchetLabel yields the adder's update secret.
// AddRatchetLabel also advances an acker's ratchet when an AddAck is
// processed.
var (
	WelcomeRatchetLabel Secret
	AddRatchetLabel     Secret
)

func init() {
	WelcomeRatchetLabel = blake3.Sum256([]byte("welcome"))
	AddRatchetLabel = blake3.Sum256([]byte("add"))
}
