package console

import (
	"fmt"
	"html"
	"strings"

	"github.com/sunway24/dealbridge/internal/crm"
	"github.com/sunway24/dealbridge/internal/dispatch"
	"github.com/sunway24/dealbridge/internal/docstore"
	"github.com/sunway24/dealbridge/internal/notify"
)

const (
	DenialText      = "❌ У вас нет доступа к админ-панели"
	UnexpectedText  = "⚠️ Сейчас этот ввод не ожидается"
	NoSessionText   = "❌ Ошибка, начните заново /admin"
	searchingText   = "⏳ Ищу клиента..."
	promptPhoneText = "🔧 <b>Админ-панель</b>\n\nВведите номер телефона клиента:\n(Пример: 79001234567)"
	exitText        = "👋 <b>Вы вышли из админ-панели</b>\n\nДля возврата используйте /admin\nДля личного кабинета используйте /start"
)

var (
	newSearchRow = notify.Row(notify.DataButton("🔄 Новый поиск", cbNewSearch))
	exitRow      = notify.Row(notify.DataButton("🚪 Выйти из админки", cbExit))
)

func promptPhone() notify.Message { return notify.Text(promptPhoneText) }

func clientNotFound() notify.Message {
	return notify.Message{
		Text:    "❌ Клиент не найден\n\nПроверьте номер и попробуйте снова",
		Buttons: [][]notify.Button{newSearchRow},
	}
}

func noActiveDeals(c *crm.Contact) notify.Message {
	return notify.Message{
		Text:    fmt.Sprintf("❌ У клиента %s\nнет активных заказов", html.EscapeString(c.DisplayName())),
		Buttons: [][]notify.Button{newSearchRow},
	}
}

func dealList(s *Session, docs Documents) notify.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "👤 <b>Клиент</b>\n📝 %s\n📱 %s\n\n", html.EscapeString(s.Client.DisplayName()), html.EscapeString(s.Phone))
	fmt.Fprintf(&b, "📦 <b>Активные заказы: %d</b>\n\nВыберите заказ:", len(s.Deals))

	rows := make([][]notify.Button, 0, len(s.Deals)+2)
	for _, d := range s.Deals {
		st := docs.Status(d.ID)
		invoice, photos := "❌📄", "❌📸"
		if st.HasInvoice {
			invoice = "✅📄"
		}
		if st.Photos > 0 {
			photos = "✅📸"
		}
		label := fmt.Sprintf("#%s %s%s %s", d.ID, invoice, photos, shorten(titleOf(d), 25))
		rows = append(rows, notify.Row(notify.DataButton(label, cbDeal+d.ID)))
	}
	rows = append(rows, newSearchRow, exitRow)
	return notify.Message{Text: b.String(), Buttons: rows}
}

// dealMenu renders the document menu of the selected deal; header, when set, prefixes it.
func dealMenu(s *Session, docs Documents, header string) notify.Message {
	id := s.DealID
	st := docs.Status(id)

	var b strings.Builder
	if header != "" {
		b.WriteString(header)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "📦 <b>Заказ #%s</b>\n📌 %s\n\n", html.EscapeString(id), html.EscapeString(titleOf(s.deal())))
	if st.HasInvoice {
		b.WriteString("📄 Накладная: ✅ Загружена\n")
	} else {
		b.WriteString("📄 Накладная: ❌ Отсутствует\n")
	}
	if st.Photos > 0 {
		fmt.Fprintf(&b, "📸 Фото: ✅ Загружено %d шт.\n\n", st.Photos)
	} else {
		b.WriteString("📸 Фото: ❌ Отсутствуют\n\n")
	}
	b.WriteString("Выберите действие:")

	var rows [][]notify.Button
	if st.HasInvoice {
		rows = append(rows, notify.Row(
			notify.DataButton("👁 Просмотр накладной", cbViewInvoice+id),
			notify.DataButton("🗑 Удалить", cbDeleteInvoice+id),
		))
	} else {
		rows = append(rows, notify.Row(notify.DataButton("➕ Добавить накладную", cbAddInvoice)))
	}
	if st.Photos > 0 {
		rows = append(rows,
			notify.Row(
				notify.DataButton(fmt.Sprintf("👁 Просмотр фото (%d)", st.Photos), cbViewPhotos+id),
				notify.DataButton("➕ Добавить еще", cbAddPhotos),
			),
			notify.Row(notify.DataButton("🗑 Удалить все фото", cbDeletePhotos+id)),
		)
	} else {
		rows = append(rows, notify.Row(notify.DataButton("➕ Добавить фото", cbAddPhotos)))
	}
	rows = append(rows, notify.Row(notify.DataButton("🔙 К списку заказов", cbBackToDeals)))
	return notify.Message{Text: b.String(), Buttons: rows}
}

func cancelRow(dealID string) []notify.Button {
	return notify.Row(notify.DataButton("❌ Отмена", cbDeal+dealID))
}

func invoicePrompt(dealID string) notify.Message {
	return notify.Message{
		Text: fmt.Sprintf("📄 <b>Загрузка накладной</b>\nЗаказ #%s\n\nОтправьте файл накладной (PDF или изображение)\n\nИли нажмите кнопку для отмены:",
			html.EscapeString(dealID)),
		Buttons: [][]notify.Button{cancelRow(dealID)},
	}
}

func invoiceFailed(dealID string) notify.Message {
	return notify.Message{
		Text: fmt.Sprintf("📄 <b>Загрузка накладной</b>\nЗаказ #%s\n\n❌ Не удалось сохранить файл, отправьте его еще раз",
			html.EscapeString(dealID)),
		Buttons: [][]notify.Button{cancelRow(dealID)},
	}
}

func photosPrompt(dealID string, uploaded int) notify.Message {
	text := fmt.Sprintf("📸 <b>Загрузка фото товара</b>\nЗаказ #%s\n\nОтправьте фото (можно несколько)\nНажмите кнопку когда закончите\n\nИли нажмите кнопку для отмены:",
		html.EscapeString(dealID))
	if uploaded > 0 {
		text = fmt.Sprintf("📸 <b>Загрузка фото товара</b>\nЗаказ #%s\n\n✅ Загружено фото: %d\n\nОтправьте еще фото или нажмите кнопку:",
			html.EscapeString(dealID), uploaded)
	}
	return notify.Message{
		Text: text,
		Buttons: [][]notify.Button{
			notify.Row(notify.DataButton("✅ Готово", cbPhotosDone)),
			cancelRow(dealID),
		},
	}
}

func exitMessage() notify.Message { return notify.Text(exitText) }

// uploadHeader summarizes an upload and whether the customer was notified.
func uploadHeader(kind docstore.Kind, res dispatch.Result, err error) string {
	head := "✅ <b>Накладная успешно загружена!</b>"
	if kind == docstore.KindPhotos {
		head = "✅ <b>Фото успешно загружены!</b>"
	}
	var line string
	switch {
	case err != nil:
		line = "❌ Ошибка уведомления клиента."
	case res.Outcome == dispatch.OutcomeSuccess:
		line = "Клиент получил уведомление."
	case res.Outcome == dispatch.OutcomeRecipientUnresolved:
		line = "⚠️ Клиент не зарегистрирован в боте, уведомление не отправлено."
	case res.Outcome == dispatch.OutcomeNotInStage:
		line = "ℹ️ Сделка не на стадии «Товар на складе», клиент не уведомлен."
	case res.Outcome == dispatch.OutcomeArtifactFailed:
		line = "❌ Не удалось отправить документ клиенту."
	case res.Outcome == dispatch.OutcomeDealNotFound:
		line = "❌ Сделка не найдена в CRM."
	default:
		line = "⚠️ У сделки нет контакта или стадии, клиент не уведомлен."
	}
	return head + "\n" + line
}

func staffPhotosCaption(dealID string, total int) string {
	return fmt.Sprintf("📸 <b>Фото товара - Заказ #%s</b>\n\nВсего фото: %d", html.EscapeString(dealID), total)
}

func staffInvoiceCaption(dealID string) string {
	return fmt.Sprintf("📄 <b>Накладная для заказа #%s</b>", html.EscapeString(dealID))
}

func titleOf(d crm.Deal) string {
	if strings.TrimSpace(d.Title) == "" {
		return "Без названия"
	}
	return d.Title
}

func shorten(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return strings.TrimSpace(string(r[:max-3])) + "..."
}
