// Package tgui holds small Telegram UI helpers: inline keyboard builders,
// "namespace:action:payload" callback data, HTML-safe text and list paging.
package tgui
