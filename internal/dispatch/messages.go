package dispatch

import (
	"fmt"
	"html"

	"github.com/sunway24/dealbridge/internal/crm"
	"github.com/sunway24/dealbridge/internal/docstore"
	"github.com/sunway24/dealbridge/internal/notify"
)

// OrdersCallback opens the customer's current orders list.
const OrdersCallback = "current_orders"

// StageChangedMessage is the plain stage-change notification sent to the customer.
func StageChangedMessage(dealID, stageTag string) notify.Message {
	return notify.Message{
		Text: fmt.Sprintf("🔔 <b>Обновление по заказу #%s</b>\n\nНовый статус: %s",
			html.EscapeString(dealID), html.EscapeString(crm.StageName(stageTag))),
		Buttons: [][]notify.Button{notify.Row(notify.DataButton("📦 Мои заказы", OrdersCallback))},
	}
}

// ArtifactCaption is attached to the invoice document or the first photo.
func ArtifactCaption(kind docstore.Kind, dealID string) string {
	id := html.EscapeString(dealID)
	if kind == docstore.KindPhotos {
		return fmt.Sprintf("📸 <b>Фото товара на складе</b>\n\nЗаказ #%s", id)
	}
	return fmt.Sprintf("📄 <b>Накладная для заказа #%s</b>\n\nВаша накладная готова!", id)
}

// UploadConfirmation follows a successful upload-triggered artifact send.
func UploadConfirmation(kind docstore.Kind, dealID string) notify.Message {
	id := html.EscapeString(dealID)
	if kind == docstore.KindPhotos {
		return notify.Text(fmt.Sprintf("📸 <b>Фото товара доступны!</b>\n\nВаш товар (заказ #%s) прибыл на склад.\nФотографии отправлены вам выше.", id))
	}
	return notify.Text(fmt.Sprintf("📄 <b>Накладная готова!</b>\n\nДля вашего заказа #%s подготовлена накладная.\nДокумент отправлен вам выше.", id))
}
