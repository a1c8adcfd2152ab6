package common

import (
	"fmt"
	"os"
	"strings"

	"github.com/bwmarrin/snowflake"
)

var snowflakeNode *snowflake.Node

func init() {
	var err error
	snowflakeNode, err = snowflake.NewNode(int64(os.Getpid() % 1024))
	if err != nil {
		panic(err)
	}
}

// UUIDint64 returns a new snowflake id.
func UUIDint64() int64 {
	return snowflakeNode.Generate().Int64()
}

// UUID returns a new snowflake id in string form.
func UUID() string {
	return snowflakeNode.Generate().String()
}

// MessageID returns a locally generated, permanent message row id.
func MessageID() string {
	return fmt.Sprintf("m_%s", snowflakeNode.Generate().String())
}

// NormalizeJID strips the server part from a WhatsApp JID, leaving the phone
// number. "5511999999999@s.whatsapp.net" -> "5511999999999".
func NormalizeJID(jid string) string {
	if idx := strings.Index(jid, "@"); idx > 0 {
		return jid[:idx]
	}
	return jid
}

// FullJID completes a bare phone number into a user JID. Values that already
// carry a server part pass through unchanged.
func FullJID(v string) string {
	if strings.Contains(v, "@") {
		return v
	}
	return v + "@s.whatsapp.net"
}

// IsEmptyOrNA reports whether a value carries no usable content.
func IsEmptyOrNA(val string) bool {
	v := strings.TrimSpace(val)
	return v == "" || strings.EqualFold(v, "n/a")
}
