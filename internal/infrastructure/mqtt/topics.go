package mqtt

import (
	"fmt"
	"net/url"
	"strings"
)

// =============================================================================
// Cloud Channels
// =============================================================================

// Direction selects one of the two cloud channels of a consumer prefix.
type Direction int

const (
	// Inbound is the cloud-to-bridge channel ("<prefix>/i").
	Inbound Direction = iota

	// Outbound is the bridge-to-cloud channel ("<prefix>/o").
	Outbound
)

// String returns the channel suffix for the direction.
func (d Direction) String() string {
	switch d {
	case Inbound:
		return "i"
	case Outbound:
		return "o"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// TopicFor returns the cloud channel for prefix and direction.
//
// Thing ids and bands never appear in cloud topics; they travel inside the
// envelope control block.
//
// Example: TopicFor("things/consumer-1", Outbound) = "things/consumer-1/o"
//
// An empty prefix yields "/o" and "/i"; bridge.New refuses to run without one.
func TopicFor(prefix string, dir Direction) string {
	return trimPrefix(prefix) + "/" + dir.String()
}

// InboundSubtree returns the subscription pattern covering the inbound channel
// and everything below it.
//
// Example: InboundSubtree("things/consumer-1") = "things/consumer-1/i/#"
func InboundSubtree(prefix string) string {
	return TopicFor(prefix, Inbound) + "/#"
}

// PrefixFromURL derives a topic prefix from the path of a broker URL.
//
// Example: PrefixFromURL("ssl://broker.example.com/things/consumer-1/") = "things/consumer-1"
//
// Unparsable URLs and URLs without a path yield "".
func PrefixFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return trimPrefix(u.Path)
}

// trimPrefix removes surrounding whitespace and slashes from a topic prefix.
func trimPrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}

// =============================================================================
// Local Gray Logic Topics
// =============================================================================

// Topic prefixes on the local Gray Logic broker.
const (
	// TopicPrefixThings is the base for per-thing state topics.
	TopicPrefixThings = "graylogic/things"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "graylogic/system"
)

// Topics provides builders for local Gray Logic MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.ThingState("lamp-kitchen", "ostate")
//	// Returns: "graylogic/things/lamp-kitchen/ostate"
type Topics struct{}

// ThingState returns the topic a local producer publishes band state on.
//
// Example: graylogic/things/lamp-kitchen/ostate
func (Topics) ThingState(thingID, band string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixThings, EncodeTopicSegment(thingID), EncodeTopicSegment(band))
}

// ThingSet returns the topic the bridge publishes cloud-applied state on.
// It sits one level below ThingState so AllThingStates never matches it.
//
// Example: graylogic/things/lamp-kitchen/ostate/set
func (Topics) ThingSet(thingID, band string) string {
	return Topics{}.ThingState(thingID, band) + "/set"
}

// AllThingStates returns a pattern matching every local thing state topic.
//
// Pattern: graylogic/things/+/+
func (Topics) AllThingStates() string {
	return TopicPrefixThings + "/+/+"
}

// ParseThingState extracts the thing id and band from a ThingState topic.
func (Topics) ParseThingState(topic string) (thingID, band string, ok bool) {
	rest, found := strings.CutPrefix(topic, TopicPrefixThings+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return DecodeTopicSegment(parts[0]), DecodeTopicSegment(parts[1]), true
}

// SystemStatus returns the system status topic.
//
// Example: graylogic/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

var (
	segmentEncoder = strings.NewReplacer("%", "%25", "/", "%2F", "+", "%2B", "#", "%23")
	segmentDecoder = strings.NewReplacer("%2F", "/", "%2B", "+", "%23", "#", "%25", "%")
)

// EncodeTopicSegment escapes characters that would change the topic level
// structure (/ + #) so an arbitrary thing id fits in one level.
func EncodeTopicSegment(s string) string {
	return segmentEncoder.Replace(s)
}

// DecodeTopicSegment reverses EncodeTopicSegment.
func DecodeTopicSegment(s string) string {
	return segmentDecoder.Replace(s)
}
