// Package tgui holds small helpers for Telegram HTML messages: escaping,
// inline formatting and text limits.
package tgui
