package portal

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/sunway24/dealbridge/internal/crm"
	"github.com/sunway24/dealbridge/internal/identity"
	"github.com/sunway24/dealbridge/internal/notify"
)

const (
	StartFirstText   = "❌ Пожалуйста, начните с команды /start"
	noEmail          = "Не указан"
	orderLoadFailed  = "❌ Ошибка загрузки заказа"
	invoiceFailed    = "❌ Ошибка загрузки накладной. Обратитесь к менеджеру."
	shareContactText = "📱 Отправить номер телефона"
)

var backToMenuRow = notify.Row(notify.DataButton("🔙 Назад в меню", cbMainMenu))

func welcome() notify.Message {
	return notify.Message{
		Text: "🎉 <b>Добро пожаловать в Sunway24!</b>\n\n" +
			"Я помогу вам отслеживать ваши заказы и доставки! 📦✨\n\n" +
			"Для начала работы мне нужен ваш номер телефона 📱\n" +
			"Это необходимо для связи с нашей системой.",
		RequestContact: shareContactText,
	}
}

func checking() notify.Message {
	return notify.Message{Text: "⏳ Проверяю ваши данные...", RemoveKeyboard: true}
}

func registered(name string) notify.Message {
	return notify.Text(fmt.Sprintf("✅ <b>Отлично, %s!</b>\n\nВаш аккаунт успешно подключен! 🎊\nТеперь вы можете управлять своими заказами 📦",
		html.EscapeString(name)))
}

func registrationFailed() notify.Message {
	return notify.Message{
		Text: "❌ <b>Упс!</b>\n\n" +
			"Не могу найти ваш номер в нашей базе данных 😔\n\n" +
			"Пожалуйста, свяжитесь с нашим менеджером для регистрации:",
		Buttons: [][]notify.Button{notify.Row(notify.DataButton("💬 Связаться с менеджером", cbConsultation))},
	}
}

func mainMenu(link identity.Link) notify.Message {
	return notify.Message{
		Text: fmt.Sprintf("🏠 <b>Личный кабинет</b>\n\nПривет, %s! 👋\nВыберите нужный раздел:", html.EscapeString(link.Name)),
		Buttons: [][]notify.Button{
			notify.Row(notify.DataButton("📦 Текущие заказы", cbCurrentOrders)),
			notify.Row(notify.DataButton("📚 Архив заказов", cbArchivedOrders)),
			notify.Row(notify.DataButton("💬 Консультация", cbConsultation)),
			notify.Row(notify.DataButton("👤 Профиль клиента", cbProfile)),
		},
	}
}

func orderButtons(deals []crm.Deal, docs Documents, prefix string) [][]notify.Button {
	rows := make([][]notify.Button, 0, len(deals)+1)
	for _, d := range deals {
		st := docs.Status(d.ID)
		var icons string
		if st.HasInvoice {
			icons += "📄"
		}
		if st.Photos > 0 {
			icons += "📸"
		}
		title := truncateTitle(orDefault(d.Title, "Без названия"), 30)
		label := fmt.Sprintf("%s %s • %s", icons, title, formatDate(d.CreatedAt))
		rows = append(rows, notify.Row(notify.DataButton(strings.TrimSpace(label), prefix+d.ID)))
	}
	return append(rows, backToMenuRow)
}

func currentOrders(deals []crm.Deal, docs Documents) notify.Message {
	if len(deals) == 0 {
		return notify.Message{
			Text: "📦 <b>Текущие заказы</b>\n\nУ вас пока нет активных заказов 🤷\n\n" +
				"Оформите новый заказ, связавшись с нашим менеджером!",
			Buttons: [][]notify.Button{backToMenuRow},
		}
	}
	var withInvoice, withPhotos int
	for _, d := range deals {
		st := docs.Status(d.ID)
		if st.HasInvoice {
			withInvoice++
		}
		if st.Photos > 0 {
			withPhotos++
		}
	}
	total := len(deals)
	text := fmt.Sprintf("📦 <b>Текущие заказы</b>\n\n📊 Статистика:\n• Всего заказов: %d\n• С накладными: %d/%d\n• С фото: %d/%d\n\nВыберите заказ для просмотра:",
		total, withInvoice, total, withPhotos, total)
	return notify.Message{Text: text, Buttons: orderButtons(deals, docs, cbOrder)}
}

func archivedOrders(deals []crm.Deal, docs Documents) notify.Message {
	if len(deals) == 0 {
		return notify.Message{Text: "📚 <b>Архив заказов</b>\n\nАрхив пуст 🤷", Buttons: [][]notify.Button{backToMenuRow}}
	}
	return notify.Message{
		Text:    fmt.Sprintf("📚 <b>Архив заказов</b>\n\nЗавершенных заказов: %d\nВыберите заказ для просмотра:", len(deals)),
		Buttons: orderButtons(deals, docs, cbArchive),
	}
}

// field returns the deal's user field or def when it is blank.
func field(d *crm.Deal, key, def string) string {
	return orDefault(d.Field(key), def)
}

func (p *Portal) category(ctx context.Context, d *crm.Deal) string {
	id := d.Field(crm.FieldProductCategory)
	if strings.TrimSpace(id) == "" {
		return "Не указано"
	}
	if p.deps.Names == nil {
		return id
	}
	return p.deps.Names.FieldItemName(ctx, crm.FieldProductCategory, id)
}

func productCost(d *crm.Deal) string {
	amount, currency := parseMoney(d.Field(crm.FieldInvoiceCost))
	return formatPrice(amount, currency)
}

func deliveryCost(d *crm.Deal) string {
	return formatPrice(parseAmount(d.Opportunity), orDefault(d.Currency, "RUB"))
}

func (p *Portal) orderDetails(ctx context.Context, d *crm.Deal) notify.Message {
	e := html.EscapeString
	st := p.deps.Documents.Status(d.ID)

	var b strings.Builder
	fmt.Fprintf(&b, "📦 <b>Заказ №%s</b>\n<b>%s</b>\n\n", e(d.ID), e(orDefault(d.Title, "Без названия")))
	fmt.Fprintf(&b, "<b>Текущий статус:</b> %s\n\n", e(crm.StageName(orDefault(d.Stage, "UNKNOWN"))))
	fmt.Fprintf(&b, "<b>Тип товара:</b> %s\n", e(p.category(ctx, d)))
	fmt.Fprintf(&b, "<b>Вес:</b> %s кг\n", e(field(d, crm.FieldWeight, notAvailable)))
	fmt.Fprintf(&b, "<b>Объем:</b> %s м³\n", e(field(d, crm.FieldVolume, notAvailable)))
	fmt.Fprintf(&b, "<b>Страховка:</b> %s\n\n", e(field(d, crm.FieldInsurance, "Не указана")))
	fmt.Fprintf(&b, "<b>Дата выхода груза:</b> %s\n", e(formatDate(d.Field(crm.FieldExpectedSendDate))))
	fmt.Fprintf(&b, "<b>Ожидаемая дата прихода:</b> %s\n", e(formatDate(d.Field(crm.FieldExpectedArrivalDate))))
	fmt.Fprintf(&b, "<b>Город прибытия:</b> %s\n\n", e(field(d, crm.FieldArrivalCity, "Не указан")))
	fmt.Fprintf(&b, "<b>Маркировка груза:</b> %s\n\n", e(field(d, crm.FieldCargoMarking, "Не указана")))

	b.WriteString("<b>Документы:</b>\n")
	if st.HasInvoice {
		b.WriteString("Накладная: ✅ Загружена\n")
	} else {
		b.WriteString("Накладная: ⏳ Ожидается\n")
	}
	if st.Photos > 0 {
		fmt.Fprintf(&b, "Фото: ✅ Загружено (%d шт.)\n\n", st.Photos)
	} else {
		b.WriteString("Фото: ⏳ Ожидаются\n\n")
	}

	b.WriteString("<b>Финансы:</b>\n")
	fmt.Fprintf(&b, "Стоимость товара: %s\n", productCost(d))
	fmt.Fprintf(&b, "Стоимость доставки: %s", deliveryCost(d))

	var rows [][]notify.Button
	if st.HasInvoice {
		rows = append(rows, notify.Row(notify.DataButton("📄 Скачать накладную", cbInvoice+d.ID)))
	}
	if st.Photos > 0 {
		rows = append(rows, notify.Row(notify.DataButton(fmt.Sprintf("📸 Посмотреть фото (%d шт.)", st.Photos), cbPhotos+d.ID)))
	}
	rows = append(rows, notify.Row(notify.DataButton("🔙 К списку заказов", cbCurrentOrders)))
	return notify.Message{Text: b.String(), Buttons: rows}
}

func (p *Portal) archiveDetails(ctx context.Context, d *crm.Deal) notify.Message {
	e := html.EscapeString

	var b strings.Builder
	fmt.Fprintf(&b, "📚 <b>Архив - Заказ #%s</b>\n📌 <b>%s</b>\n\n", e(d.ID), e(orDefault(d.Title, "Без названия")))
	fmt.Fprintf(&b, "📅 <b>Дата выхода груза:</b> %s\n", e(formatDate(d.Field(crm.FieldExpectedSendDate))))
	fmt.Fprintf(&b, "⚖️ <b>Вес:</b> %s кг\n", e(field(d, crm.FieldWeight, notAvailable)))
	fmt.Fprintf(&b, "📦 <b>Объем:</b> %s м³\n", e(field(d, crm.FieldVolume, notAvailable)))
	fmt.Fprintf(&b, "🏷️ <b>Тип товара:</b> %s\n", e(p.category(ctx, d)))
	fmt.Fprintf(&b, "💰 <b>Стоимость товара:</b> %s\n", productCost(d))
	fmt.Fprintf(&b, "💰 <b>Стоимость доставки:</b> %s\n", deliveryCost(d))
	fmt.Fprintf(&b, "📅 <b>Создан:</b> %s\n", e(formatDate(d.CreatedAt)))
	fmt.Fprintf(&b, "✅ <b>Завершен:</b> %s\n\n", e(formatDate(d.ModifiedAt)))
	b.WriteString("🏁 <b>Заказ завершен</b> ✅")

	return notify.Message{
		Text:    b.String(),
		Buttons: [][]notify.Button{notify.Row(notify.DataButton("🔙 К архиву", cbArchivedOrders))},
	}
}

func photosCaption(dealID string, total int) string {
	return fmt.Sprintf("📸 <b>Фото товара на складе</b>\n\nЗаказ #%s\nВсего фото: %d", html.EscapeString(dealID), total)
}

func photosSent(dealID string, total int) notify.Message {
	return notify.Message{
		Text:    fmt.Sprintf("✅ Отправлено %d фото для заказа #%s", total, html.EscapeString(dealID)),
		Buttons: [][]notify.Button{notify.Row(notify.DataButton("🔙 Вернуться к заказу", cbOrder+dealID))},
	}
}

func consultation(m Managers) notify.Message {
	var rows [][]notify.Button
	if m.WhatsApp != "" {
		rows = append(rows, notify.Row(notify.URLButton("💬 WhatsApp", m.WhatsApp)))
	}
	if m.Telegram != "" {
		rows = append(rows, notify.Row(notify.URLButton("✈️ Telegram", m.Telegram)))
	}
	rows = append(rows, backToMenuRow)
	return notify.Message{
		Text:    "💬 <b>Консультация с менеджером</b>\n\nНаши менеджеры готовы помочь вам! 🤝\n\nВыберите удобный способ связи:",
		Buttons: rows,
	}
}

func profile(link identity.Link) notify.Message {
	e := html.EscapeString
	return notify.Message{
		Text: fmt.Sprintf("👤 <b>Профиль клиента</b>\n\n📝 <b>ФИО:</b> %s\n📱 <b>Телефон:</b> %s\n✉️ <b>Email:</b> %s\n🆔 <b>ID клиента:</b> %s\n",
			e(link.Name), e(link.Phone), e(orDefault(link.Email, noEmail)), e(link.ContactID)),
		Buttons: [][]notify.Button{backToMenuRow},
	}
}
