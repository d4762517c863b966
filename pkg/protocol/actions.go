package protocol

import "strconv"

// Category groups actions the way clients address gateways.
type Category int

const (
	CategoryAuthentication    Category = 1
	CategoryClient            Category = 2
	CategoryInternalMessaging Category = 3
	CategoryStation           Category = 4
	CategoryCPDLC             Category = 5
	CategoryTelex             Category = 6
	CategoryAdministrative    Category = 7
	CategoryMiscellaneous     Category = 8
)

var categoryNames = map[Category]string{
	CategoryAuthentication:    "Authentication",
	CategoryClient:            "Client",
	CategoryInternalMessaging: "InternalMessaging",
	CategoryStation:           "Station",
	CategoryCPDLC:             "CPDLC",
	CategoryTelex:             "Telex",
	CategoryAdministrative:    "Administrative",
	CategoryMiscellaneous:     "Miscellaneous",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "Category(" + strconv.Itoa(int(c)) + ")"
}

// Action is the integer code carried in every frame.
type Action int

const (
	ActionAuthenticate Action = 1
	ActionReconnect    Action = 2
	ActionDisconnect   Action = 3
	ActionHeartbeat    Action = 4

	ActionRegisterClient     Action = 10
	ActionUpdateClientStatus Action = 11
	ActionLogout             Action = 12

	ActionSendMessage            Action = 20
	ActionReceiveMessage         Action = 21
	ActionMessageAcknowledgement Action = 22

	ActionAddStation          Action = 30
	ActionRemoveStation       Action = 31
	ActionUpdateStationStatus Action = 32

	ActionSendCPDLCMessage     Action = 40
	ActionReceiveCPDLCMessage  Action = 41
	ActionCPDLCAcknowledgement Action = 42
	ActionCPDLCError           Action = 43

	ActionSendTelexMessage     Action = 50
	ActionReceiveTelexMessage  Action = 51
	ActionTelexAcknowledgement Action = 52
	ActionTelexError           Action = 53

	ActionBroadcast          Action = 60
	ActionKickUser           Action = 61
	ActionServerAnnouncement Action = 62

	ActionError            Action = 90
	ActionInvalidAction    Action = 91
	ActionPermissionDenied Action = 92
)

var actionNames = map[Action]string{
	ActionAuthenticate:           "Authenticate",
	ActionReconnect:              "Reconnect",
	ActionDisconnect:             "Disconnect",
	ActionHeartbeat:              "Heartbeat",
	ActionRegisterClient:         "RegisterClient",
	ActionUpdateClientStatus:     "UpdateClientStatus",
	ActionLogout:                 "Logout",
	ActionSendMessage:            "SendMessage",
	ActionReceiveMessage:         "ReceiveMessage",
	ActionMessageAcknowledgement: "MessageAcknowledgement",
	ActionAddStation:             "AddStation",
	ActionRemoveStation:          "RemoveStation",
	ActionUpdateStationStatus:    "UpdateStationStatus",
	ActionSendCPDLCMessage:       "SendCPDLCMessage",
	ActionReceiveCPDLCMessage:    "ReceiveCPDLCMessage",
	ActionCPDLCAcknowledgement:   "CPDLCAcknowledgement",
	ActionCPDLCError:             "CPDLCError",
	ActionSendTelexMessage:       "SendTelexMessage",
	ActionReceiveTelexMessage:    "ReceiveTelexMessage",
	ActionTelexAcknowledgement:   "TelexAcknowledgement",
	ActionTelexError:             "TelexError",
	ActionBroadcast:              "Broadcast",
	ActionKickUser:               "KickUser",
	ActionServerAnnouncement:     "ServerAnnouncement",
	ActionError:                  "Error",
	ActionInvalidAction:          "InvalidAction",
	ActionPermissionDenied:       "PermissionDenied",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "Action(" + strconv.Itoa(int(a)) + ")"
}

// Category derives the gateway category from the action's code range.
func (a Action) Category() Category {
	switch {
	case a >= 1 && a <= 9:
		return CategoryAuthentication
	case a >= 10 && a <= 19:
		return CategoryClient
	case a >= 20 && a <= 29:
		return CategoryInternalMessaging
	case a >= 30 && a <= 39:
		return CategoryStation
	case a >= 40 && a <= 49:
		return CategoryCPDLC
	case a >= 50 && a <= 59:
		return CategoryTelex
	case a >= 60 && a <= 69:
		return CategoryAdministrative
	default:
		return CategoryMiscellaneous
	}
}
