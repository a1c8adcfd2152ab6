package domain

var Tables = []interface{}{
	// System
	&SysConfig{},
	&SysPartner{},
	// WhatsApp
	&WhatsappSession{},
	&Conversation{},
	&Message{},
}
