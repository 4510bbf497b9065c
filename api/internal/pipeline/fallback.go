package pipeline

import "reply-pilot/api/internal/schema"

// Консервативные шаблонные ответы по сценам. Детеминированы: при исчерпании
// ретраев пользователь получает их, а не сырую ошибку.
var fallbackReplies = map[schema.Scene][]schema.Reply{
	schema.SceneFirstContact: {
		{Text: "Привет! Рад(а) познакомиться — как проходит день?", Tone: "friendly", Score: 0.5},
		{Text: "Привет! Заметил(а) у тебя в профиле кое-что интересное — расскажешь?", Tone: "curious", Score: 0.4},
	},
	schema.SceneWarming: {
		{Text: "Мне нравится, как складывается наш разговор. Что у тебя нового?", Tone: "warm", Score: 0.5},
	},
	schema.SceneBalanced: {
		{Text: "Кстати, давно хотел(а) спросить — чем ты увлекаешься в свободное время?", Tone: "neutral", Score: 0.5},
	},
	schema.SceneCooling: {
		{Text: "Понимаю, у всех бывают занятые дни. Напиши, когда будет минутка.", Tone: "calm", Score: 0.5},
	},
	schema.SceneConflict: {
		{Text: "Кажется, мы друг друга не так поняли. Давай спокойно разберёмся — мне важно твоё мнение.", Tone: "sincere", Score: 0.5},
	},
}

// fallbackReply — шаблон по сцене; неизвестная сцена получает нейтральный.
func fallbackReply(scene schema.Scene) *schema.ReplySet {
	replies, ok := fallbackReplies[scene]
	if !ok {
		replies = fallbackReplies[schema.SceneBalanced]
	}
	return &schema.ReplySet{SchemaVersion: schema.Version, Replies: replies}
}
