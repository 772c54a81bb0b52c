// Package tgui holds the chat UI helpers shared by the bot and the reminder
// engine: HTML escaping helpers, a message builder, inline keyboards and
// "scope:action:args" callback data.
//
// Everything renders to transport types; only ToTele knows about telebot.
package tgui
