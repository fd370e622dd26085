package tgui

// MaxCallbackDataLen is Telegram's callback_data size limit in bytes.
const MaxCallbackDataLen = 64

// MaxMessageLen is Telegram's limit on one text message, in runes.
const MaxMessageLen = 4096

// FitsCallback reports whether data can be attached to an inline button.
func FitsCallback(data string) bool { return data != "" && len(data) <= MaxCallbackDataLen }
