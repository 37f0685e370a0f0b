package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
)

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("req_%d_%s", time.Now().UnixNano(), hex.EncodeToString(b))
}

// InstanceName returns a human friendly receiver name such as
// "mirrorcast-brave-otter", used when none is configured.
func InstanceName() string {
	return "mirrorcast-" + petname.Generate(2, "-")
}

