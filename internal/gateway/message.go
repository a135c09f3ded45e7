package gateway

import "encoding/json"

// CapacityMessage is the text sent to a client rejected by the per-channel
// limit.
const CapacityMessage = "Too many client connected"

type initMessage struct {
	Action string
	Width  int
	Height int
}

type textMessage struct {
	Action  string
	Message string
}

func encodeInit(width, height int) []byte {
	b, _ := json.Marshal(initMessage{Action: "Init", Width: width, Height: height})
	return b
}

func encodeCapacityExceeded() []byte {
	b, _ := json.Marshal(textMessage{Action: "Message", Message: CapacityMessage})
	return b
}
