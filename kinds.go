package nostr

// Event kinds used by the core. Base kinds 0-99 are reserved by NIP-01;
// arbitrary custom kinds are allowed everywhere a kind is accepted.
const (
	KindProfileMetadata = 0
	KindTextNote        = 1
	KindContactList     = 3
	KindEncryptedDM     = 4
	KindDeletion        = 5
	KindRepost          = 6
	KindReaction        = 7
	KindSeal            = 13
	KindPrivateDM       = 14
	KindGiftWrap        = 1059
	KindRelayList       = 10002
	KindInboxRelays     = 10050
	KindClientAuth      = 22242
)

// IsReplaceable reports whether newer events of this kind replace older
// ones from the same author.
func IsReplaceable(kind int) bool {
	return kind == KindProfileMetadata || kind == KindContactList ||
		(kind >= 10000 && kind < 20000)
}

// IsEphemeral reports whether relays are expected to not store this kind.
func IsEphemeral(kind int) bool {
	return kind >= 20000 && kind < 30000
}

// IsAddressable reports whether this kind is addressed by a d-tag
// (parameterized replaceable).
func IsAddressable(kind int) bool {
	return kind >= 30000 && kind < 40000
}
