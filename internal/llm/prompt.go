package llm

import (
	"fmt"
	"strings"
	"time"

	"github.com/k-negishi/calendar-auto-register/internal/mail"
)

const systemPrompt = `あなたはメールから予定を抽出するアシスタントです。
メール本文を読み、Google カレンダーに登録すべき予定をすべて抽出してください。

出力は次の形式の JSON オブジェクト 1 つだけとし、説明文やコードブロックは付けないでください。
{"events": [
  {
    "summary": "予定の件名",
    "start": {"dateTime": "2024-12-25T14:00:00+09:00", "timeZone": "Asia/Tokyo"},
    "end": {"dateTime": "2024-12-25T15:00:00+09:00", "timeZone": "Asia/Tokyo"},
    "location": "場所（不明なら省略）",
    "description": "補足（不明なら省略）"
  }
]}

ルール:
- 時刻が分かる予定は start/end に dateTime（UTC オフセット付き ISO 8601）と timeZone を入れる。
- 終日の予定は start/end に date（YYYY-MM-DD）だけを入れ、end は最終日の翌日にする。
- 終了時刻が書かれていない時刻付きの予定は開始から 1 時間とする。
- 年が書かれていない場合はメールの受信日時から判断する。
- 予定が無い場合は {"events": []} を返す。
- 上記以外のキーは出力しない。`

const maxBodyRunes = 20000

// userMessage renders the mail as the model's input.
func userMessage(m mail.NormalizedMail, defaultTZ string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "差出人: %s\n", m.FromAddr)
	fmt.Fprintf(&b, "件名: %s\n", m.Subject)
	if m.ReceivedAt != nil {
		fmt.Fprintf(&b, "受信日時: %s\n", m.ReceivedAt.Format(time.RFC3339))
	}
	if defaultTZ != "" {
		fmt.Fprintf(&b, "既定のタイムゾーン: %s\n", defaultTZ)
	}
	b.WriteString("\n本文:\n")
	body := m.Text
	if strings.TrimSpace(body) == "" {
		body = m.HTML
	}
	b.WriteString(truncateRunes(body, maxBodyRunes))
	return b.String()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
