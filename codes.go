package mqtt

import (
	"fmt"

	"github.com/lunarfort/mqttgo/internal/packets"
)

// ReasonCode is a CONNACK or SUBACK return code as defined by MQTT 3.1.1.
// PUBACK, PUBREC, PUBREL, PUBCOMP, and UNSUBACK carry no such code in 3.1.1:
// those packets have no payload beyond the packet identifier.
type ReasonCode uint8

// Error implements the error interface so a ReasonCode can be compared
// against an *MqttError via errors.Is.
func (r ReasonCode) Error() string {
	return fmt.Sprintf("mqtt reason code 0x%02X", uint8(r))
}

// CONNACK return codes, from the MQTT 3.1.1 spec section 3.2.2.3.
const (
	ReasonCodeConnectionAccepted          ReasonCode = packets.ConnAccepted
	ReasonCodeUnacceptableProtocolVersion ReasonCode = packets.ConnRefusedUnacceptableProtocol
	ReasonCodeIdentifierRejected          ReasonCode = packets.ConnRefusedIdentifierRejected
	ReasonCodeServerUnavailable           ReasonCode = packets.ConnRefusedServerUnavailable
	ReasonCodeBadUsernameOrPassword       ReasonCode = packets.ConnRefusedBadUsernameOrPassword
	ReasonCodeNotAuthorized               ReasonCode = packets.ConnRefusedNotAuthorized
)

// SUBACK return codes, from the MQTT 3.1.1 spec section 3.9.3.
const (
	ReasonCodeSubackMaximumQoS0 ReasonCode = packets.SubackQoS0
	ReasonCodeSubackMaximumQoS1 ReasonCode = packets.SubackQoS1
	ReasonCodeSubackMaximumQoS2 ReasonCode = packets.SubackQoS2
	ReasonCodeSubackFailure     ReasonCode = packets.SubackFailure
)

// connackErrors maps CONNACK refusal codes to their sentinel error.
var connackErrors = map[uint8]error{
	packets.ConnRefusedUnacceptableProtocol:  ErrUnacceptableProtocolVersion,
	packets.ConnRefusedIdentifierRejected:    ErrIdentifierRejected,
	packets.ConnRefusedServerUnavailable:     ErrServerUnavailable,
	packets.ConnRefusedBadUsernameOrPassword: ErrBadUsernameOrPassword,
	packets.ConnRefusedNotAuthorized:         ErrNotAuthorized,
}

// connackErrorName maps CONNACK refusal codes to a short human-readable name.
// Nothing in the package reads it at present.
var connackErrorName = map[uint8]string{
	packets.ConnRefusedUnacceptableProtocol:  "unacceptable protocol version",
	packets.ConnRefusedIdentifierRejected:    "identifier rejected",
	packets.ConnRefusedServerUnavailable:     "server unavailable",
	packets.ConnRefusedBadUsernameOrPassword: "bad username or password",
	packets.ConnRefusedNotAuthorized:         "not authorized",
}
