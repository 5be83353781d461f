package domain

var Tables = []interface{}{
	// WhatsApp
	&WhatsAppDevice{},
	&WhatsAppAuthState{},
}
