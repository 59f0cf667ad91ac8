package model

// WelcomeMessage is an HPKE-encrypted MLS welcome addressed to one
// installation key package.
type WelcomeMessage struct {
	Cursor          Cursor  `cbor:"-"`
	InstallationKey []byte  `cbor:"1,keyasint"`
	HPKEPublicKey   []byte  `cbor:"2,keyasint"`
	Data            []byte  `cbor:"3,keyasint"`
	AddedByInboxID  InboxID `cbor:"4,keyasint,omitempty"`
}
