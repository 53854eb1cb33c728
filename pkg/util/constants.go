package util

import "time"

// Assigned 16 bit UUIDs of the LE Audio services and announcements
const (
	// ASCSUUID is the audio stream control service
	ASCSUUID = 0x184E
	// BASSUUID is the broadcast audio scan service
	BASSUUID = 0x184F
	// PACSUUID is the published audio capabilities service
	PACSUUID = 0x1850
	// BasicAudioAnnouncementUUID prefixes a BASE in periodic advertising data
	BasicAudioAnnouncementUUID = 0x1851
	// BroadcastAudioAnnouncementUUID prefixes the broadcast id in extended advertising data
	BroadcastAudioAnnouncementUUID = 0x1852
	// CASUUID is the common audio service
	CASUUID = 0x1853
	// PublicBroadcastAnnouncementUUID marks a public broadcast
	PublicBroadcastAnnouncementUUID = 0x1856

	// BASControlPointUUID is the characteristic assistants write control operations to
	BASControlPointUUID = 0x2BC7
	// BroadcastReceiveStateUUID is the characteristic of one acceptor source slot
	BroadcastReceiveStateUUID = 0x2BC8
)

const (
	// ServiceDataAD is the AD type of 16 bit UUID service data
	ServiceDataAD = 0x16
	// BroadcastNameAD is the AD type of a broadcast name
	BroadcastNameAD = 0x30

	BroadcastNameMinLen = 4
	BroadcastNameMaxLen = 128
)

const (
	// DefaultRoundTripTimeout bounds a single remote request
	DefaultRoundTripTimeout = time.Second * 5
	// DefaultPASyncSkip is the number of periodic advertising events that may be skipped
	DefaultPASyncSkip = 5
	// DefaultPASyncRatio is how many missed intervals end a periodic advertising sync
	DefaultPASyncRatio = 20

	paSyncTimeoutMin = 0x000A
	paSyncTimeoutMax = 0x4000
)
