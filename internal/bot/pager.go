package bot

import (
	"strconv"

	tele "gopkg.in/telebot.v4"

	"proxybot/pkg/tgui"
)

func pagerButtons(ns, action string, pg tgui.Page) []tele.Btn {
	var out []tele.Btn
	if pg.HasPrev {
		out = append(out, tgui.Btn("◀️", tgui.Data(ns, action, strconv.Itoa(pg.Index-1))))
	}
	if pg.HasNext {
		out = append(out, tgui.Btn("▶️", tgui.Data(ns, action, strconv.Itoa(pg.Index+1))))
	}
	return out
}
